package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"log/slog"

	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/machug/brewsignal/pkg/types"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	ErrNoRows        = errors.New("no rows in result set")
	ErrStoreFailed   = errors.New("could not store data")
	ErrBatchConflict = errors.New("device already has a fermenting batch")
)

// MaxReadingsLimit caps every range query so a single request can not
// drag the whole history through memory on the SBC.
const MaxReadingsLimit = 5000

//go:generate moq -rm -out storage_mock.go . Store
type Store interface {
	Initialize(ctx context.Context) error
	Close()

	UpsertDevice(ctx context.Context, device types.Device) error
	GetDevice(ctx context.Context, deviceID string) (types.Device, error)
	ListDevices(ctx context.Context) ([]types.Device, error)
	SetDevicePaired(ctx context.Context, deviceID string, paired bool) error
	SetDeviceName(ctx context.Context, deviceID, name string) error

	GetCalibration(ctx context.Context, deviceID string) ([]types.CalibrationCurve, error)
	SetCalibration(ctx context.Context, curve types.CalibrationCurve) error

	AddReading(ctx context.Context, reading types.Reading) (uint, error)
	LatestReading(ctx context.Context, deviceID string) (types.Reading, error)
	LatestGoodReading(ctx context.Context, deviceID string) (types.Reading, error)
	LatestReadings(ctx context.Context) ([]types.Reading, error)
	ReadingsInRange(ctx context.Context, deviceID string, since, until time.Time, limit int) ([]types.Reading, error)
	ForEachReading(ctx context.Context, fn func(types.Reading) error) error
	DeleteReadingsOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	OrphanedBatches(ctx context.Context) ([]uint, error)
	DeleteReadingsByBatch(ctx context.Context, batchIDs []uint) (int64, error)

	AddBatch(ctx context.Context, batch types.Batch) (uint, error)
	UpdateBatch(ctx context.Context, batch types.Batch) error
	GetBatch(ctx context.Context, batchID uint) (types.Batch, error)
	ListBatches(ctx context.Context) ([]types.Batch, error)
	DeleteBatch(ctx context.Context, batchID uint) error
	ActiveBatchForDevice(ctx context.Context, deviceID string) (types.Batch, error)
	ActiveBatches(ctx context.Context) ([]types.Batch, error)

	GetSettings(ctx context.Context) (map[string]string, error)
	PutSetting(ctx context.Context, key, value string) error
}

type ConnectorFunc func() (*gorm.DB, error)

func NewSQLiteConnector(ctx context.Context, path string) ConnectorFunc {
	return func() (*gorm.DB, error) {
		db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
			Logger:          logger.Default.LogMode(logger.Silent),
			CreateBatchSize: 1000,
		})

		if err == nil {
			db.Exec("PRAGMA foreign_keys = ON")
			db.Exec("PRAGMA journal_mode = WAL")
			sqldb, _ := db.DB()
			sqldb.SetMaxOpenConns(1)
		}

		return db, err
	}
}

// NewInMemoryConnector backs the store with a throwaway database,
// used by tests and dev mode.
func NewInMemoryConnector(ctx context.Context) ConnectorFunc {
	return NewSQLiteConnector(ctx, "file::memory:")
}

type ConnectorConfig struct {
	Host     string
	Username string
	DbName   string
	Password string
	SslMode  string
}

func NewPostgreSQLConnector(ctx context.Context, cfg ConnectorConfig) ConnectorFunc {
	dbURI := fmt.Sprintf("host=%s user=%s dbname=%s sslmode=%s password=%s",
		cfg.Host, cfg.Username, cfg.DbName, cfg.SslMode, cfg.Password)

	log := logging.GetFromContext(ctx)

	return func() (*gorm.DB, error) {
		sublogger := log.With(
			slog.String("host", cfg.Host),
			slog.String("database", cfg.DbName),
		)

		sublogger.Info("connecting to database host")

		db, err := gorm.Open(postgres.Open(dbURI), &gorm.Config{
			Logger: logger.New(
				&logadapter{logger: sublogger},
				logger.Config{
					SlowThreshold:             time.Second,
					LogLevel:                  logger.Warn,
					IgnoreRecordNotFoundError: true,
					Colorful:                  false,
				},
			),
		})
		if err != nil {
			sublogger.Error("failed to connect to database", "err", err.Error())
			time.Sleep(3 * time.Second)
			os.Exit(1)
		}

		return db, nil
	}
}

// logadapter provides a Printf interface to the gorm logger
// so that we can forward the log data to slog
type logadapter struct {
	logger *slog.Logger
}

func (adapter *logadapter) Printf(format string, args ...interface{}) {
	adapter.logger.Info(fmt.Sprintf(format, args...))
}

type impl struct {
	db *gorm.DB
}

func New(connect ConnectorFunc) (Store, error) {
	db, err := connect()
	if err != nil {
		return nil, err
	}

	return &impl{db: db}, nil
}

// Initialize runs the schema migration. Migrations are additive; gorm's
// AutoMigrate only ever adds columns and indexes, which makes a re-run
// on startup idempotent.
func (s *impl) Initialize(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(
		&device{}, &calibrationCurve{}, &reading{}, &batch{}, &setting{},
	)
}

func (s *impl) Close() {
	sqldb, err := s.db.DB()
	if err == nil {
		sqldb.Close()
	}
}
