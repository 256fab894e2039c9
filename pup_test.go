package pup

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadPlanAndBuild(t *testing.T) {
	dir := t.TempDir()
	cfg := filepath.Join(dir, "pup.json")
	body := `{
		"processes": [
			{"id": "web", "cmd": ["/bin/sleep", "60"], "autostart": true},
			{"id": "batch", "cmd": ["/bin/true"], "cron": "0 */5 * * * *"}
		]
	}`
	if err := os.WriteFile(cfg, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	plan, err := LoadPlan(cfg)
	if err != nil {
		t.Fatalf("LoadPlan: %v", err)
	}
	p, err := New(plan, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	sts := p.StatusAll()
	if len(sts) != 2 {
		t.Fatalf("got %d statuses", len(sts))
	}
	for _, st := range sts {
		if st.State != "created" {
			t.Fatalf("%s = %q before Run", st.ID, st.State)
		}
	}
	if p.APIHandler("/api") == nil {
		t.Fatal("nil API handler")
	}
}

func TestLoadPlanConfigError(t *testing.T) {
	dir := t.TempDir()
	cfg := filepath.Join(dir, "pup.json")
	if err := os.WriteFile(cfg, []byte(`{"processes": [{"id": "x"}]}`), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadPlan(cfg); err == nil {
		t.Fatal("expected config error for missing cmd")
	}
}
