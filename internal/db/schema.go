package db

// SchemaSQL defines the training run history table.
const SchemaSQL = `
    DEFINE TABLE IF NOT EXISTS training_run SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS name ON training_run TYPE string;
    DEFINE FIELD IF NOT EXISTS status ON training_run TYPE string
        ASSERT $value IN ["pending", "running", "completed", "failed"];
    DEFINE FIELD IF NOT EXISTS epochs ON training_run TYPE int;
    DEFINE FIELD IF NOT EXISTS epoch ON training_run TYPE int DEFAULT 0;
    DEFINE FIELD IF NOT EXISTS metrics ON training_run TYPE option<object> FLEXIBLE;
    DEFINE FIELD IF NOT EXISTS params ON training_run TYPE option<object> FLEXIBLE;
    DEFINE FIELD IF NOT EXISTS log_path ON training_run TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS weights_path ON training_run TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS error ON training_run TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS save_error ON training_run TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS started_at ON training_run TYPE datetime DEFAULT time::now();
    DEFINE FIELD IF NOT EXISTS completed_at ON training_run TYPE option<datetime>;

    DEFINE INDEX IF NOT EXISTS training_run_status ON training_run FIELDS status;
    DEFINE INDEX IF NOT EXISTS training_run_started ON training_run FIELDS started_at;
`
