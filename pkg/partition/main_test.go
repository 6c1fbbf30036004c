package partition

import (
	"context"
	"os"
	"testing"

	"github.com/nycdatalab/taxilake/pkg/logger"
	pgtesting "github.com/nycdatalab/taxilake/pkg/postgres/testing"
)

var testPgDB *pgtesting.PostgresDB

func TestMain(m *testing.M) {
	ctx := context.Background()
	log := logger.NewTest()

	var err error
	testPgDB, err = pgtesting.NewPostgresDB(ctx, log, nil)
	if err != nil {
		log.Error("failed to start Postgres container", "error", err)
		os.Exit(1)
	}

	code := m.Run()

	testPgDB.Close()
	os.Exit(code)
}
