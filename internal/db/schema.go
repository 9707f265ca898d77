package db

// SchemaSQL contains the database schema initialization SQL.
const SchemaSQL = `
    -- ==========================================================================
    -- STATUS EVENTS (append-only lifecycle record per content item)
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS status_event SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS time ON status_event TYPE datetime;
    DEFINE FIELD IF NOT EXISTS job_id ON status_event TYPE string;
    DEFINE FIELD IF NOT EXISTS content_id ON status_event TYPE string;
    DEFINE FIELD IF NOT EXISTS content_type ON status_event TYPE string;
    DEFINE FIELD IF NOT EXISTS file_name ON status_event TYPE string;
    DEFINE FIELD IF NOT EXISTS status ON status_event TYPE string;
    DEFINE FIELD IF NOT EXISTS message ON status_event TYPE string;
    DEFINE FIELD IF NOT EXISTS stage ON status_event TYPE option<string>;

    DEFINE INDEX IF NOT EXISTS status_event_time ON status_event FIELDS time;
    DEFINE INDEX IF NOT EXISTS status_event_job ON status_event FIELDS job_id;
    DEFINE INDEX IF NOT EXISTS status_event_content ON status_event FIELDS content_id;

    -- ==========================================================================
    -- GRAPH NODES
    -- ==========================================================================
    -- Record id is the slug of the name, so merges by name are idempotent.
    -- Image learner nodes are the exception and get random ids.
    DEFINE TABLE IF NOT EXISTS node SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS name ON node TYPE string;
    -- TODO: Use set<string> when Go SDK supports CBOR tag 56 (v3.0 set type)
    DEFINE FIELD IF NOT EXISTS labels ON node TYPE array<string>;
    DEFINE FIELD IF NOT EXISTS content_id ON node TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS location ON node TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS profile ON node TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS predicted_class ON node TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS created ON node TYPE datetime DEFAULT time::now();

    DEFINE INDEX IF NOT EXISTS node_name ON node FIELDS name;
    DEFINE INDEX IF NOT EXISTS node_labels ON node FIELDS labels;

    -- ==========================================================================
    -- LINKS
    -- ==========================================================================
    -- Single relation table with rel_type field instead of dynamic table names.
    DEFINE TABLE IF NOT EXISTS link TYPE RELATION IN node OUT node SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS rel_type ON link TYPE string;
    DEFINE FIELD IF NOT EXISTS created ON link TYPE datetime DEFAULT time::now();
    -- Unique constraint: [in, out, rel_type] prevents duplicate edges on redelivery
    DEFINE FIELD IF NOT EXISTS unique_key ON link VALUE <string>string::concat(<string>in, "|", <string>out, "|", rel_type);
    DEFINE INDEX IF NOT EXISTS unique_link ON link FIELDS unique_key UNIQUE;
    DEFINE INDEX IF NOT EXISTS link_rel_type ON link FIELDS rel_type;
`
