// Package doctor runs local diagnostic checks against the taskwarden home:
// configuration, document parseability, lock freshness and journal
// integrity.
package doctor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/basket/taskwarden/internal/config"
	"github.com/basket/taskwarden/internal/journal"
	"github.com/basket/taskwarden/internal/store"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkDocument,
		checkLockFile,
		checkJournal,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir)}
}

func checkDocument(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Document", Status: "SKIP", Message: "Config missing"}
	}
	s, err := store.Open(cfg.StorePath)
	if err != nil {
		return CheckResult{Name: "Document", Status: "FAIL", Message: "Cannot open store", Detail: err.Error()}
	}
	doc, err := s.Load()
	if err != nil {
		var corrupt *store.CorruptionError
		if errors.As(err, &corrupt) {
			return CheckResult{Name: "Document", Status: "FAIL", Message: "Document is corrupt", Detail: corrupt.Reason}
		}
		return CheckResult{Name: "Document", Status: "FAIL", Message: "Document unreadable", Detail: err.Error()}
	}
	return CheckResult{
		Name:    "Document",
		Status:  "PASS",
		Message: fmt.Sprintf("%d tasks, %d agents", len(doc.Tasks), len(doc.Agents)),
	}
}

func checkLockFile(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Lock", Status: "SKIP", Message: "Config missing"}
	}
	lockPath := cfg.StorePath + ".lock"
	info, err := os.Stat(lockPath)
	if err != nil {
		if os.IsNotExist(err) {
			return CheckResult{Name: "Lock", Status: "PASS", Message: "No lock file"}
		}
		return CheckResult{Name: "Lock", Status: "FAIL", Message: "Cannot stat lock file", Detail: err.Error()}
	}
	age := time.Since(info.ModTime())
	if age > time.Hour {
		return CheckResult{
			Name:    "Lock",
			Status:  "WARN",
			Message: fmt.Sprintf("Lock file is %s old; a writer may have died holding it", age.Round(time.Minute)),
		}
	}
	return CheckResult{Name: "Lock", Status: "PASS", Message: "Lock file present and fresh"}
}

func checkJournal(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Journal", Status: "SKIP", Message: "Config missing"}
	}
	j, err := journal.Open(cfg.JournalPath)
	if err != nil {
		return CheckResult{Name: "Journal", Status: "FAIL", Message: "Cannot open journal", Detail: err.Error()}
	}
	defer j.Close()

	var integrity string
	if err := j.DB().QueryRowContext(ctx, `PRAGMA integrity_check;`).Scan(&integrity); err != nil {
		return CheckResult{Name: "Journal", Status: "FAIL", Message: "Integrity check failed", Detail: err.Error()}
	}
	if integrity != "ok" {
		return CheckResult{Name: "Journal", Status: "FAIL", Message: "Journal corrupt", Detail: integrity}
	}
	count, err := j.TotalEventCount(ctx)
	if err != nil {
		return CheckResult{Name: "Journal", Status: "WARN", Message: "Cannot count events", Detail: err.Error()}
	}
	return CheckResult{Name: "Journal", Status: "PASS", Message: fmt.Sprintf("%d events recorded", count)}
}
