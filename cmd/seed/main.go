package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"slices"
	"strconv"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/hackgods/telemed-scheduling/internal/availability"
	"github.com/hackgods/telemed-scheduling/internal/db"
	"github.com/hackgods/telemed-scheduling/internal/directory"
	"github.com/hackgods/telemed-scheduling/internal/practicetime"
)

var specialties = []string{
	"General Practice",
	"Dermatology",
	"Cardiology",
	"Endocrinology",
	"Psychiatry",
	"Pediatrics",
	"Neurology",
	"Gynecology",
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("seed starting")
	_ = godotenv.Load()

	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		log.Fatal("POSTGRES_DSN is required")
	}
	doctors := envInt("SEED_DOCTORS", 20)
	patients := envInt("SEED_PATIENTS", 500)
	days := envInt("SEED_DAYS", 14)

	clock, err := practicetime.New(envString("PRACTICE_TIMEZONE", "Europe/Berlin"))
	if err != nil {
		log.Fatalf("practice timezone: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, dsn)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer pool.Close()

	faker := gofakeit.New(int64(time.Now().UnixNano()))

	created, err := seedDoctors(ctx, pool, faker, doctors)
	if err != nil {
		log.Fatalf("seed doctors: %v", err)
	}
	if err := seedPatients(ctx, pool, faker, patients); err != nil {
		log.Fatalf("seed patients: %v", err)
	}
	today := clock.DayOf(time.Now())
	if err := seedAvailability(ctx, pool, faker, created, today, days); err != nil {
		log.Fatalf("seed availability: %v", err)
	}

	log.Println("seed complete")
}

func seedDoctors(ctx context.Context, pool *pgxpool.Pool, faker *gofakeit.Faker, count int) ([]directory.Doctor, error) {
	log.Printf("seeding %d doctors", count)

	out := make([]directory.Doctor, 0, count)
	err := db.InTx(ctx, pool, func(tx pgx.Tx) error {
		repo := directory.NewPgRepository(tx)
		for i := 0; i < count; i++ {
			email := faker.Email()
			specialty := specialties[faker.Number(0, len(specialties)-1)]
			d, err := repo.CreateDoctor(ctx, directory.Doctor{
				Name:      "Dr. " + faker.LastName(),
				Email:     &email,
				Specialty: &specialty,
				Active:    true,
			})
			if err != nil {
				return err
			}
			out = append(out, *d)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func seedPatients(ctx context.Context, pool *pgxpool.Pool, faker *gofakeit.Faker, count int) error {
	log.Printf("seeding %d patients", count)

	const batchSize = 500
	locales := []string{"de", "en"}

	for offset := 0; offset < count; offset += batchSize {
		end := min(offset+batchSize, count)

		err := db.InTx(ctx, pool, func(tx pgx.Tx) error {
			repo := directory.NewPgRepository(tx)
			for i := offset; i < end; i++ {
				email := faker.Email()
				p := directory.Patient{
					Name:   faker.Name(),
					Email:  &email,
					Locale: locales[faker.Number(0, len(locales)-1)],
				}
				if faker.Bool() {
					phone := faker.Phone()
					p.Phone = &phone
				}
				if _, err := repo.CreatePatient(ctx, p); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return err
		}

		log.Printf("patients seeded: %d/%d", end, count)
	}
	return nil
}

// seedAvailability publishes weekday half-hour slots between 08:00 and 17:30.
// Each doctor offers a random subset of them.
func seedAvailability(ctx context.Context, pool *pgxpool.Pool, faker *gofakeit.Faker, doctors []directory.Doctor, from time.Time, days int) error {
	log.Printf("seeding %d days of availability for %d doctors", days, len(doctors))

	var grid []string
	for h := 8; h < 18; h++ {
		grid = append(grid, fmt.Sprintf("%02d:00", h), fmt.Sprintf("%02d:30", h))
	}

	return db.InTx(ctx, pool, func(tx pgx.Tx) error {
		repo := availability.NewPgRepository(tx)
		for _, d := range doctors {
			for i := 0; i < days; i++ {
				day := from.AddDate(0, 0, i)
				if wd := day.Weekday(); wd == time.Saturday || wd == time.Sunday {
					continue
				}

				slots := make([]string, 0, len(grid))
				for _, s := range grid {
					if faker.Number(0, 2) > 0 {
						slots = append(slots, s)
					}
				}
				if len(slots) == 0 {
					continue
				}
				slices.Sort(slots)

				if _, err := repo.Create(ctx, availability.Availability{
					DoctorID: d.ID,
					Day:      day,
					Slots:    slots,
					Active:   true,
				}); err != nil {
					return fmt.Errorf("doctor %s day %s: %w", d.ID, practicetime.FormatDay(day), err)
				}
			}
		}
		return nil
	})
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil || v < 0 {
		return def
	}
	return v
}
