package db

import (
	"strings"
	"testing"
)

func TestMySQLDSN(t *testing.T) {
	tests := []struct {
		name string
		dsn  string
		want []string
	}{
		{
			name: "adds parseTime",
			dsn:  "agl:secret@tcp(127.0.0.1:3306)/agrilink",
			want: []string{"parseTime=true", "agl:secret@tcp(127.0.0.1:3306)/agrilink"},
		},
		{
			name: "keeps existing parameters",
			dsn:  "agl@tcp(db.internal:3307)/cache?parseTime=false&timeout=5s",
			want: []string{"parseTime=true", "timeout=5s", "/cache?"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := MySQLDSN(tt.dsn)
			if err != nil {
				t.Fatalf("MySQLDSN: %v", err)
			}
			for _, w := range tt.want {
				if !strings.Contains(got, w) {
					t.Errorf("MySQLDSN() = %q, missing %q", got, w)
				}
			}
		})
	}
}

func TestMySQLDSN_Invalid(t *testing.T) {
	if _, err := MySQLDSN("agl@tcp(127.0.0.1:3306/agrilink"); err == nil {
		t.Error("expected error for malformed DSN")
	}
}

func TestOpen_UnknownDriver(t *testing.T) {
	if _, err := Open("postgres", "x"); err == nil {
		t.Error("expected error for unknown driver")
	}
	if _, err := Open(DriverSQLite, ""); err == nil {
		t.Error("expected error for empty sqlite path")
	}
}

func TestOpenAndMigrate_SQLite(t *testing.T) {
	conn, err := Open(DriverSQLite, ":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := AutoMigrate(conn); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}
	for _, m := range AllModels() {
		if !conn.Migrator().HasTable(m) {
			t.Errorf("table for %T not created", m)
		}
	}
}
