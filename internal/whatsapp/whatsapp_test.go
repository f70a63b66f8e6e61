package whatsapp

import (
	"context"
	"errors"
	"testing"
)

func TestDeviceDSN(t *testing.T) {
	tests := []struct {
		name       string
		dsn        string
		wantDriver string
		wantDSN    string
	}{
		{"default path", "", "sqlite3", "file:" + DefaultSQLitePath + "?_foreign_keys=on"},
		{"postgres url", "postgres://user:pw@localhost/wa", "postgres", "postgres://user:pw@localhost/wa"},
		{"postgres key value", "host=localhost dbname=wa", "postgres", "host=localhost dbname=wa"},
		{"plain path", "/tmp/wa.db", "sqlite3", "file:/tmp/wa.db?_foreign_keys=on"},
		{"has query", "file:/tmp/wa.db?cache=shared", "sqlite3", "file:/tmp/wa.db?cache=shared&_foreign_keys=on"},
		{"already enabled", "file:/tmp/wa.db?_foreign_keys=on", "sqlite3", "file:/tmp/wa.db?_foreign_keys=on"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			driver, dsn := deviceDSN(tt.dsn)
			if driver != tt.wantDriver || dsn != tt.wantDSN {
				t.Errorf("deviceDSN(%q) = %q, %q; want %q, %q", tt.dsn, driver, dsn, tt.wantDriver, tt.wantDSN)
			}
		})
	}
}

func TestOptions(t *testing.T) {
	var opts Opts
	for _, o := range []Option{WithDBDSN("/tmp/test.db"), WithQRCodeOutput("/tmp/qr.txt"), WithNumericCode()} {
		o(&opts)
	}
	if opts.DBDSN != "/tmp/test.db" || opts.QRPath != "/tmp/qr.txt" || !opts.NumericCode {
		t.Errorf("options not applied: %+v", opts)
	}
}

func TestClientSendRequiresConnection(t *testing.T) {
	var c Client
	if err := c.SendMessage(context.Background(), "15551234567", "hi"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
}

func TestMockClient(t *testing.T) {
	m := NewMockClient()
	var _ Sender = m
	if err := m.SendMessage(context.Background(), "15551234567", "hello"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if sent := m.Sent(); len(sent) != 1 || sent[0].To != "15551234567" || sent[0].Body != "hello" {
		t.Fatalf("sent = %+v", sent)
	}

	m.Err = errors.New("offline")
	if err := m.SendMessage(context.Background(), "1", "x"); err == nil {
		t.Fatal("expected error")
	}
	if len(m.Sent()) != 1 {
		t.Fatal("failed send recorded")
	}
}
