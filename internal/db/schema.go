package db

import "fmt"

// schemaSQL renders the event table schema. The HNSW index dimension is
// parameterized so deployments can swap embedding models without editing SQL.
func schemaSQL(embeddingDim int) string {
	return fmt.Sprintf(`
    -- ==========================================================================
    -- EVENT TABLE
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS event SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS title ON event TYPE string;
    DEFINE FIELD IF NOT EXISTS description ON event TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS start_time ON event TYPE datetime;
    DEFINE FIELD IF NOT EXISTS timezone ON event TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS address ON event TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS lat ON event TYPE float;
    DEFINE FIELD IF NOT EXISTS lon ON event TYPE float;
    DEFINE FIELD IF NOT EXISTS visibility ON event TYPE string DEFAULT "public"
        ASSERT $value IN ["public", "private"];
    DEFINE FIELD IF NOT EXISTS owner_id ON event TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS source_type ON event TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS scan_count ON event TYPE int DEFAULT 0;
    DEFINE FIELD IF NOT EXISTS embedding ON event TYPE array<float>;
    DEFINE FIELD IF NOT EXISTS created ON event TYPE datetime DEFAULT time::now();

    DEFINE INDEX IF NOT EXISTS event_owner ON event FIELDS owner_id;
    DEFINE INDEX IF NOT EXISTS event_start ON event FIELDS start_time;
    DEFINE INDEX IF NOT EXISTS event_visibility ON event FIELDS visibility;
    DEFINE INDEX IF NOT EXISTS event_embedding ON event FIELDS embedding HNSW DIMENSION %d DIST COSINE TYPE F32;
    DEFINE ANALYZER IF NOT EXISTS event_analyzer TOKENIZERS class FILTERS lowercase, ascii, snowball(english);
    DEFINE INDEX IF NOT EXISTS event_title_ft ON event FIELDS title FULLTEXT ANALYZER event_analyzer BM25;
    DEFINE INDEX IF NOT EXISTS event_desc_ft ON event FIELDS description FULLTEXT ANALYZER event_analyzer BM25;
`, embeddingDim)
}
