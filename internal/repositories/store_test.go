package repositories_test

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/Gobusters/ectologger/zapadapter"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"

	"github.com/Ramsey-B/fern/internal/database"
	"github.com/Ramsey-B/fern/internal/repositories"
	"github.com/Ramsey-B/fern/pkg/ledger"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/resolution"
	"github.com/Ramsey-B/fern/pkg/store"
)

func getTestLogger() ectologger.Logger {
	zapLogger, _ := zap.NewDevelopment()
	return zapadapter.NewZapEctoLogger(zapLogger, nil)
}

// testPostgres is shared by every test in the package; it is started once
type testPostgres struct {
	opts      database.Options
	container testcontainers.Container
}

var (
	sharedPostgres     *testPostgres
	sharedPostgresOnce sync.Once
	sharedPostgresErr  error
)

// getTestStore connects to FERN_TEST_DB_HOST when set, otherwise to a postgres
// container, and applies db/pg
func getTestStore(t *testing.T) *repositories.Store {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping postgres test in short mode")
	}

	sharedPostgresOnce.Do(func() {
		sharedPostgres, sharedPostgresErr = setupPostgres()
	})
	if sharedPostgresErr != nil {
		t.Skipf("postgres unavailable: %v", sharedPostgresErr)
	}
	opts := sharedPostgres.opts

	logger := getTestLogger()
	conn, err := sqlx.Connect("postgres", opts.DSN())
	require.NoError(t, err, "Failed to connect to test database")
	db := database.NewDatabaseInstance(conn, logger)
	t.Cleanup(func() { _ = db.Close() })

	migrations := database.NewMigrationService(logger, &database.MigrationConfig{MigrationFolderPath: "../../db/pg"})
	require.NoError(t, migrations.MigratePostgres(db, opts.Name))

	return repositories.NewStore(db, logger)
}

func setupPostgres() (*testPostgres, error) {
	if host := os.Getenv("FERN_TEST_DB_HOST"); host != "" {
		return &testPostgres{opts: database.Options{
			Host:     host,
			Port:     envOr("FERN_TEST_DB_PORT", "5432"),
			User:     envOr("FERN_TEST_DB_USER", "postgres"),
			Password: envOr("FERN_TEST_DB_PASSWORD", "postgres"),
			Name:     envOr("FERN_TEST_DB_NAME", "fern_test"),
			SSLMode:  "disable",
		}}, nil
	}

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_DB":       "fern_test",
				"POSTGRES_USER":     "fern",
				"POSTGRES_PASSWORD": "fern",
			},
			// postgres logs readiness twice: once for the init run, once for the real server
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start postgres container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get container host: %w", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		return nil, fmt.Errorf("failed to get container port: %w", err)
	}

	return &testPostgres{
		container: container,
		opts: database.Options{
			Host:     host,
			Port:     port.Port(),
			User:     "fern",
			Password: "fern",
			Name:     "fern_test",
			SSLMode:  "disable",
		},
	}, nil
}

func TestMain(m *testing.M) {
	code := m.Run()
	if sharedPostgres != nil && sharedPostgres.container != nil {
		_ = sharedPostgres.container.Terminate(context.Background())
	}
	os.Exit(code)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func TestStore_MergePointer(t *testing.T) {
	st := getTestStore(t)
	ctx := context.Background()

	a := &models.Person{Entity: models.Entity{SourceSystem: "test"}, FirstName: "Ana"}
	b := &models.Person{Entity: models.Entity{SourceSystem: "test"}, FirstName: "Anna"}
	require.NoError(t, st.CreatePerson(ctx, a))
	require.NoError(t, st.CreatePerson(ctx, b))

	moved, err := st.SetMergedInto(ctx, models.EntityKindPerson, b.ID, a.ID, time.Now().UTC())
	require.NoError(t, err)
	assert.True(t, moved)

	moved, err = st.SetMergedInto(ctx, models.EntityKindPerson, b.ID, a.ID, time.Now().UTC())
	require.NoError(t, err)
	assert.False(t, moved, "a merged row is never moved again")

	c := &models.Person{Entity: models.Entity{SourceSystem: "test"}, FirstName: "Anya"}
	require.NoError(t, st.CreatePerson(ctx, c))
	moved, err = st.SetMergedInto(ctx, models.EntityKindPerson, c.ID, b.ID, time.Now().UTC())
	require.NoError(t, err)
	assert.False(t, moved, "a merged row is never a merge target")

	// opposite merges of one live pair: exactly one lands
	d := &models.Person{Entity: models.Entity{SourceSystem: "test"}, FirstName: "Dee"}
	require.NoError(t, st.CreatePerson(ctx, d))
	var wg sync.WaitGroup
	landed := make([]bool, 2)
	for i, pair := range [][2]string{{c.ID, d.ID}, {d.ID, c.ID}} {
		wg.Add(1)
		go func(i int, from, into string) {
			defer wg.Done()
			var err error
			landed[i], err = st.SetMergedInto(ctx, models.EntityKindPerson, from, into, time.Now().UTC())
			assert.NoError(t, err)
		}(i, pair[0], pair[1])
	}
	wg.Wait()
	assert.NotEqual(t, landed[0], landed[1])

	into, err := st.GetMergedInto(ctx, models.EntityKindPerson, b.ID)
	require.NoError(t, err)
	assert.Equal(t, a.ID, models.Deref(into))

	from, err := st.ListMergedFrom(ctx, models.EntityKindPerson, a.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{b.ID}, from)

	_, err = st.GetMergedInto(ctx, models.EntityKindPerson, uuid.NewString())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestStore_LedgerMergeRollsBack(t *testing.T) {
	st := getTestStore(t)
	ctx := context.Background()
	l := ledger.New(getTestLogger(), st)

	a := &models.Place{NormalizedAddress: "12 birch ln", AddressBacked: true}
	require.NoError(t, st.CreatePlace(ctx, a))

	err := st.WithinTx(ctx, func(ctx context.Context) error {
		b := &models.Place{NormalizedAddress: "12 birch lane", AddressBacked: true}
		if err := st.CreatePlace(ctx, b); err != nil {
			return err
		}
		if _, err := l.Merge(ctx, models.EntityKindPlace, b.ID, a.ID); err != nil {
			return err
		}
		return resolution.NewError(resolution.KindInternal, "abort")
	})
	require.Error(t, err)

	places, err := st.FindPlacesByAddress(ctx, "12 birch lane")
	require.NoError(t, err)
	assert.Empty(t, places)
}

func TestStore_ClaimIsFirstWriterWins(t *testing.T) {
	st := getTestStore(t)
	ctx := context.Background()
	key := "email:" + uuid.NewString() + "@example.org"

	owners := make([]string, 6)
	won := make([]bool, 6)
	var wg sync.WaitGroup
	for i := range owners {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var err error
			owners[i], won[i], err = st.Claim(ctx, models.EntityKindPerson, key, uuid.NewString())
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	winners := 0
	for i := range owners {
		assert.Equal(t, owners[0], owners[i])
		if won[i] {
			winners++
		}
	}
	assert.Equal(t, 1, winners)
}

func TestStore_IntakeAndObservationsAreIdempotent(t *testing.T) {
	st := getTestStore(t)
	ctx := context.Background()
	recordID := uuid.NewString()

	place := &models.Place{NormalizedAddress: "7 fern ct", AddressBacked: true}
	require.NoError(t, st.CreatePlace(ctx, place))

	rec := &models.IntakeRecord{EntityKind: models.EntityKindPlace, SourceSystem: "test", SourceRecordID: recordID, EntityID: place.ID}
	inserted, err := st.PutIntake(ctx, rec)
	require.NoError(t, err)
	assert.True(t, inserted)
	inserted, err = st.PutIntake(ctx, rec)
	require.NoError(t, err)
	assert.False(t, inserted)

	got, err := st.GetIntake(ctx, models.EntityKindPlace, "test", recordID)
	require.NoError(t, err)
	assert.Equal(t, place.ID, got.EntityID)

	obs := models.Observation{PlaceID: place.ID, SourceSystem: "test", SourceRecordID: recordID, SourceType: models.SourceTrapperCount, Total: models.IntPtr(8), ObservedAt: time.Now().UTC()}
	first := obs
	stored, inserted, err := st.InsertObservation(ctx, &first)
	require.NoError(t, err)
	assert.True(t, inserted)

	second := obs
	second.Total = models.IntPtr(12)
	again, inserted, err := st.InsertObservation(ctx, &second)
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, stored.ID, again.ID)
	assert.Equal(t, 8, *again.Total)
}

func TestStore_ReviewResolvedOnce(t *testing.T) {
	st := getTestStore(t)
	ctx := context.Background()

	pending := &models.Decision{EntityKind: models.EntityKindAnimal, Outcome: models.OutcomeReviewPending, EntityID: models.StrPtr(uuid.NewString())}
	require.NoError(t, st.InsertDecision(ctx, pending))

	resolve := func() error {
		return st.InsertDecision(ctx, &models.Decision{
			EntityKind:         models.EntityKindAnimal,
			Outcome:            models.OutcomeOperatorKeptSeparate,
			Operator:           models.StrPtr("kim"),
			ResolvesDecisionID: &pending.ID,
		})
	}
	require.NoError(t, resolve())
	err := resolve()
	require.Error(t, err)
	assert.True(t, resolution.IsKind(err, resolution.KindConflict))

	open, err := st.ListDecisions(ctx, models.DecisionFilter{EntityKind: models.EntityKindAnimal, PendingOnly: true, EntityID: models.Deref(pending.EntityID)})
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestStore_PrimaryIdentifier(t *testing.T) {
	st := getTestStore(t)
	ctx := context.Background()

	p := &models.Person{FirstName: "Lee"}
	require.NoError(t, st.CreatePerson(ctx, p))
	first := &models.Identifier{EntityKind: models.EntityKindPerson, EntityID: p.ID, Type: models.IdentifierTypePhone, Value: "555 0100", NormalizedValue: "5550100", IsPrimary: true}
	second := &models.Identifier{EntityKind: models.EntityKindPerson, EntityID: p.ID, Type: models.IdentifierTypePhone, Value: "555 0199", NormalizedValue: "5550199"}
	require.NoError(t, st.AddIdentifier(ctx, first))
	require.NoError(t, st.AddIdentifier(ctx, second))

	require.NoError(t, st.SetPrimary(ctx, models.EntityKindPerson, p.ID, models.IdentifierTypePhone, second.ID))

	ids, err := st.ListIdentifiers(ctx, models.EntityKindPerson, p.ID)
	require.NoError(t, err)
	require.Len(t, ids, 2)
	for _, id := range ids {
		assert.Equal(t, id.ID == second.ID, id.IsPrimary)
	}

	matches, err := st.FindIdentifiersByAffix(ctx, models.EntityKindPerson, models.IdentifierTypePhone, "555", "99")
	require.NoError(t, err)
	found := false
	for _, m := range matches {
		found = found || m.ID == second.ID
	}
	assert.True(t, found)
}
