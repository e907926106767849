package migrations

import "testing"

func TestSplitStatements(t *testing.T) {
	body := `-- header
CREATE TABLE a (
  id TEXT
);

CREATE INDEX idx_a ON a(id);
`
	stmts := splitStatements(body)
	if len(stmts) != 2 {
		t.Fatalf("statements: want=2 got=%d (%q)", len(stmts), stmts)
	}
	if stmts[1] != "CREATE INDEX idx_a ON a(id)" {
		t.Fatalf("unexpected second statement: %q", stmts[1])
	}
}

func TestParseVersionNumber(t *testing.T) {
	if v, ok := parseVersionNumber("V12__add_things.sql"); !ok || v != 12 {
		t.Fatalf("want 12 got %d ok=%v", v, ok)
	}
	if _, ok := parseVersionNumber("seed.sql"); ok {
		t.Fatalf("unversioned file should not parse")
	}
}
