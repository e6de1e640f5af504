package mysql

import (
	"strings"
	"testing"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"

	xerrors "VestLedger/internal/errors"
)

func TestNormalizeDSNPinsSessionSettings(t *testing.T) {
	dsn, err := normalizeDSN("ledger:pw@tcp(db:3306)/vest?multiStatements=true")
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	cfg, err := mysqldriver.ParseDSN(dsn)
	if err != nil {
		t.Fatalf("reparse %q: %v", dsn, err)
	}
	if !cfg.ParseTime || cfg.Loc != time.UTC || cfg.MultiStatements || cfg.Timeout != 5*time.Second {
		t.Fatalf("unexpected settings: %+v", cfg)
	}
	if cfg.DBName != "vest" || !strings.Contains(cfg.Addr, "db:3306") {
		t.Fatalf("connection target lost: %+v", cfg)
	}
}

func TestNormalizeDSNRejectsInvalid(t *testing.T) {
	for _, raw := range []string{"", "   ", "no-slash"} {
		if _, err := normalizeDSN(raw); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
			t.Fatalf("dsn %q: expected INVALID_ARGUMENT, got %v", raw, err)
		}
	}
}

func TestConfigDefaults(t *testing.T) {
	got := Config{}.withDefaults()
	if got.MaxOpenConns != 16 || got.MaxIdleConns != 8 || got.ConnMaxLifetime != 30*time.Minute {
		t.Fatalf("unexpected defaults: %+v", got)
	}
	kept := Config{MaxOpenConns: 4, MaxIdleConns: 1}.withDefaults()
	if kept.MaxOpenConns != 4 || kept.MaxIdleConns != 1 {
		t.Fatalf("explicit values overwritten: %+v", kept)
	}
}
