package db

// SchemaSQL contains the database schema initialization SQL.
const SchemaSQL = `
    -- ==========================================================================
    -- ENTITY TABLE (skills, roles, competencies, learning units)
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS entity SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS object_type ON entity TYPE string;
    DEFINE FIELD IF NOT EXISTS name ON entity TYPE string DEFAULT "";
    DEFINE FIELD IF NOT EXISTS description ON entity TYPE string DEFAULT "";
    DEFINE FIELD IF NOT EXISTS source_name ON entity TYPE string DEFAULT "";
    -- dimension -> source -> {aligned, suggested}
    DEFINE FIELD IF NOT EXISTS alignments ON entity TYPE object DEFAULT {} FLEXIBLE;
    DEFINE FIELD IF NOT EXISTS created_time ON entity TYPE datetime DEFAULT time::now();
    DEFINE FIELD IF NOT EXISTS last_modified_time ON entity TYPE datetime DEFAULT time::now();

    DEFINE INDEX IF NOT EXISTS entity_source ON entity FIELDS object_type, source_name;

    -- ==========================================================================
    -- DATA SOURCE REGISTRY (one record per object type, id = object type)
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS data_source SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS object_type ON data_source TYPE string;
    DEFINE FIELD IF NOT EXISTS sources ON data_source TYPE array<string> DEFAULT [];
    DEFINE FIELD IF NOT EXISTS matching_engine_index_id ON data_source TYPE object DEFAULT {} FLEXIBLE;
    -- Bumped on every write; updates are compare-and-swap on this field
    DEFINE FIELD IF NOT EXISTS version ON data_source TYPE int DEFAULT 1;

    -- ==========================================================================
    -- BATCH JOB TABLE
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS batch_job SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS type ON batch_job TYPE string;
    DEFINE FIELD IF NOT EXISTS status ON batch_job TYPE string
        ASSERT $value IN ["active", "succeeded", "failed", "aborted"];
    DEFINE FIELD IF NOT EXISTS input_data ON batch_job TYPE object DEFAULT {} FLEXIBLE;
    DEFINE FIELD IF NOT EXISTS signature ON batch_job TYPE string;
    DEFINE FIELD IF NOT EXISTS created_by ON batch_job TYPE string DEFAULT "";
    DEFINE FIELD IF NOT EXISTS created_time ON batch_job TYPE datetime DEFAULT time::now();
    DEFINE FIELD IF NOT EXISTS last_modified_time ON batch_job TYPE datetime DEFAULT time::now();
    DEFINE FIELD IF NOT EXISTS output_gcs_path ON batch_job TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS errors ON batch_job TYPE array<string> DEFAULT [];
    DEFINE FIELD IF NOT EXISTS metadata ON batch_job TYPE object DEFAULT {} FLEXIBLE;
    DEFINE FIELD IF NOT EXISTS progress ON batch_job TYPE int DEFAULT 0;
    DEFINE FIELD IF NOT EXISTS total ON batch_job TYPE int DEFAULT 0;
    DEFINE FIELD IF NOT EXISTS claimed_by ON batch_job TYPE option<string>;
    -- At most one active job per signature: terminal jobs get a per-record key
    DEFINE FIELD IF NOT EXISTS active_key ON batch_job
        VALUE IF status = "active" THEN signature ELSE <string>id END;
    DEFINE INDEX IF NOT EXISTS batch_job_active ON batch_job FIELDS active_key UNIQUE;

    DEFINE INDEX IF NOT EXISTS batch_job_type ON batch_job FIELDS type;
    DEFINE INDEX IF NOT EXISTS batch_job_status ON batch_job FIELDS status;
`
