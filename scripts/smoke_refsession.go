//go:build integration
// +build integration

package scripts

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/nzcbass/refsession/rse/config"
	"github.com/nzcbass/refsession/rse/db"
	"github.com/nzcbass/refsession/rse/session"
	"github.com/nzcbass/refsession/rse/storage"
)

func must(err error, msg string) {
	if err != nil {
		log.Fatalf("%s: %v", msg, err)
	}
}

// RunSmokeRefsession exercises the embedded database end to end: migrations,
// a session roundtrip, version append, and the seal constraint.
func RunSmokeRefsession() {
	fmt.Println("Smoke test: embedded libsql storage")
	tmp := "./smoke.db"
	defer os.Remove(tmp)

	conn, err := db.Connect(&config.DatabaseConfig{Path: tmp, JournalMode: "WAL", SyncMode: "NORMAL"})
	must(err, "connect")
	defer conn.Close()

	var v int
	must(conn.QueryRow("SELECT 1").Scan(&v), "basic SELECT")
	fmt.Println("OK: basic SQL")

	ctx := context.Background()
	store := storage.NewLibSQLStore(conn)

	s, err := store.Provision(ctx, "smoke-template", "smoke-token")
	must(err, "provision")

	if _, err := store.GetByToken(ctx, "smoke-token"); err != nil {
		log.Fatalf("token lookup: %v", err)
	}
	fmt.Println("OK: session roundtrip")

	v1, created, err := store.CreateOriginal(ctx, s.ID, "relationship", "smoke answer")
	must(err, "create original")
	if !created {
		log.Fatal("expected a fresh version chain")
	}
	if _, err := store.AppendRevision(ctx, v1.AnswerID, "revised", "smoke", "notes"); err != nil {
		log.Fatalf("append revision: %v", err)
	}
	versions, err := store.ListVersions(ctx, v1.AnswerID)
	must(err, "list versions")
	if len(versions) != 2 {
		log.Fatalf("expected 2 versions, got %d", len(versions))
	}
	fmt.Println("OK: version chain")

	seal := &session.CompletionSeal{SessionID: s.ID, TemplateID: "smoke-template", Digest: "sha256:smoke"}
	must(store.CreateSeal(ctx, seal), "create seal")
	if err := store.CreateSeal(ctx, seal); err == nil {
		log.Fatal("expected duplicate seal to fail")
	}
	fmt.Println("OK: seal constraint")

	fmt.Println("Smoke test passed")
}
