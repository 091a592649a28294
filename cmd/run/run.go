package run

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/caarlos0/env/v6"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/groupledger/tabbot/service"
	storagedb "github.com/groupledger/tabbot/storage/db"
)

type Config struct {
	Service    service.Config
	DBLocation string `env:"DB_LOCATION" envDefault:"/var/sqlite/ledger.db"`
}

func (c Config) String() string {
	res, _ := json.Marshal(&c)
	return string(res)
}

func Run() error {
	cfg := Config{}
	if err := env.Parse(&cfg); err != nil {
		return fmt.Errorf("parsing config: %w", err)
	}

	log.Printf("Starting with options: %s\n", cfg.String())

	db, err := sqlx.Connect("sqlite3", cfg.DBLocation)
	if err != nil {
		return fmt.Errorf("connect DB: %w", err)
	}
	driver, err := sqlite3.WithInstance(db.DB, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("new sqlite3 migration driver: %w", err)
	}
	store, err := storagedb.New(db, driver, "")
	if err != nil {
		return fmt.Errorf("new store: %w", err)
	}

	// The chat transport plugs in here as the EventNotification and
	// ReceiptResolver implementations; the engine runs without one.
	ledger := service.New(cfg.Service, store, store, store, store, store, nil, nil)

	scheduler := service.NewScheduler(ledger)
	if err := scheduler.Start(context.Background()); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer scheduler.Stop()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Println("Shutting down")
	return nil
}
