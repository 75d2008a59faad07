package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/hawkbit/rollout-engine/internal/models"
	"github.com/hawkbit/rollout-engine/internal/repository/postgres"
)

func main() {
	var (
		host     = flag.String("host", "127.0.0.1", "database host")
		port     = flag.Uint("port", 5432, "database port")
		user     = flag.String("user", "postgres", "database user")
		password = flag.String("password", "postgres", "database password")
		dbName   = flag.String("db", "postgres", "database name")
		seed     = flag.Int("seed", 0, "number of demo targets to create")
		tenant   = flag.String("tenant", "default", "tenant for seeded targets")
	)
	flag.Parse()

	ctx := context.Background()
	repo, err := postgres.NewRepo(ctx, *user, *password, *host, uint16(*port), *dbName)
	if err != nil {
		panic(err)
	}
	defer repo.Close()

	if err := repo.Migrate(ctx); err != nil {
		panic(err)
	}
	fmt.Println("schema applied")

	if *seed <= 0 {
		return
	}
	targets := make([]models.Target, 0, *seed)
	for i := 0; i < *seed; i++ {
		targets = append(targets, models.Target{
			ControllerID: fmt.Sprintf("device-%05d", i),
			Tenant:       *tenant,
			Name:         fmt.Sprintf("demo device %d", i),
		})
	}
	created, err := repo.CreateTargets(ctx, targets)
	if err != nil {
		panic(err)
	}
	fmt.Printf("seeded %d targets\n", created)
}
