package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hackgods/telemed-scheduling/internal/auth"
	"github.com/hackgods/telemed-scheduling/internal/availability"
	"github.com/hackgods/telemed-scheduling/internal/config"
	"github.com/hackgods/telemed-scheduling/internal/db"
	"github.com/hackgods/telemed-scheduling/internal/practicetime"
)

type SimConfig struct {
	APIBaseURL   string
	Duration     time.Duration
	Workers      int
	BookingRatio float64
	ConfirmRatio float64
	ReadRatio    float64
	PatientLimit int
	HotSlots     int // bookings concentrate on this many slots
	Days         int
	PostgresDSN  string
	JWTSecret    string
	Timezone     string
}

type target struct {
	DoctorID uuid.UUID
	Day      string
	Slot     string
}

type booked struct {
	ID       uuid.UUID
	DoctorID uuid.UUID
	Token    string // bearer token of the patient who booked
}

type DataPool struct {
	Patients []uuid.UUID
	Targets  []target

	mu           sync.RWMutex
	appointments []booked
	tokens       map[uuid.UUID]string
}

func (dp *DataPool) AddAppointment(b booked) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.appointments = append(dp.appointments, b)
}

func (dp *DataPool) RandomAppointment(rng *rand.Rand) (booked, bool) {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	if len(dp.appointments) == 0 {
		return booked{}, false
	}
	return dp.appointments[rng.Intn(len(dp.appointments))], true
}

type Metrics struct {
	Booking          OperationMetrics
	Confirm          OperationMetrics
	ReadByID         OperationMetrics
	ListAvailability OperationMetrics
	ListByPatient    OperationMetrics
}

type Simulator struct {
	config  SimConfig
	pool    *DataPool
	client  *http.Client
	metrics Metrics
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("simulator starting")

	cfg := loadConfig()
	if err := validateConfig(cfg); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	log.Printf("config: duration=%s workers=%d hot_slots=%d booking=%.2f confirm=%.2f read=%.2f",
		cfg.Duration, cfg.Workers, cfg.HotSlots, cfg.BookingRatio, cfg.ConfirmRatio, cfg.ReadRatio)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pgPool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer pgPool.Close()

	dataPool, err := loadDataPool(ctx, pgPool, cfg)
	if err != nil {
		log.Fatalf("load data pool: %v", err)
	}
	log.Printf("loaded: %d patients, %d contended slots", len(dataPool.Patients), len(dataPool.Targets))

	sim := &Simulator{
		config: cfg,
		pool:   dataPool,
		client: &http.Client{Timeout: 10 * time.Second},
	}

	sim.Run()
	sim.PrintReport()

	checkCtx, cancelCheck := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelCheck()
	doubles, err := countDoubleBookings(checkCtx, pgPool)
	if err != nil {
		log.Fatalf("verify slot exclusivity: %v", err)
	}
	if doubles > 0 {
		log.Fatalf("slot exclusivity violated: %d slots have more than one active appointment", doubles)
	}
	log.Println("slot exclusivity holds: no slot has more than one active appointment")
}

func loadConfig() SimConfig {
	baseCfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load base config: %v", err)
	}

	cfg := SimConfig{
		APIBaseURL:   getEnv("SIM_API_BASE_URL", "http://localhost:8080"),
		Duration:     getDuration("SIM_DURATION", 30*time.Second),
		Workers:      getInt("SIM_WORKERS", 20),
		BookingRatio: getFloat("SIM_BOOKING_RATIO", 0.5),
		ConfirmRatio: getFloat("SIM_CONFIRM_RATIO", 0.1),
		ReadRatio:    getFloat("SIM_READ_RATIO", 0.4),
		PatientLimit: getInt("SIM_PATIENT_LIMIT", 2000),
		HotSlots:     getInt("SIM_HOT_SLOTS", 25),
		Days:         getInt("SIM_DAYS", 7),
		PostgresDSN:  baseCfg.PostgresDSN,
		JWTSecret:    baseCfg.JWTSecret,
		Timezone:     baseCfg.Scheduling.Timezone,
	}

	total := cfg.BookingRatio + cfg.ConfirmRatio + cfg.ReadRatio
	if total > 0 {
		cfg.BookingRatio /= total
		cfg.ConfirmRatio /= total
		cfg.ReadRatio /= total
	}

	return cfg
}

func validateConfig(cfg SimConfig) error {
	if cfg.PostgresDSN == "" {
		return fmt.Errorf("POSTGRES_DSN is required (set in .env or environment)")
	}
	if cfg.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required to act as patients and doctors")
	}
	if cfg.Workers <= 0 {
		return fmt.Errorf("SIM_WORKERS must be > 0")
	}
	if cfg.Duration <= 0 {
		return fmt.Errorf("SIM_DURATION must be > 0")
	}
	if cfg.HotSlots <= 0 {
		return fmt.Errorf("SIM_HOT_SLOTS must be > 0")
	}
	return nil
}

func loadDataPool(ctx context.Context, pool *pgxpool.Pool, cfg SimConfig) (*DataPool, error) {
	dataPool := &DataPool{tokens: make(map[uuid.UUID]string)}

	rows, err := pool.Query(ctx, `SELECT id FROM patients ORDER BY created_at LIMIT $1`, cfg.PatientLimit)
	if err != nil {
		return nil, fmt.Errorf("load patients: %w", err)
	}
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		dataPool.Patients = append(dataPool.Patients, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Tomorrow onwards so no slot closes while the run is in progress.
	clock, err := practicetime.New(cfg.Timezone)
	if err != nil {
		return nil, err
	}
	from := clock.DayOf(time.Now()).AddDate(0, 0, 1)
	days, err := availability.NewPgRepository(pool).List(ctx, availability.ListFilter{
		From:             from,
		To:               from.AddDate(0, 0, cfg.Days),
		ActiveOnly:       true,
		KnownDoctorsOnly: true,
	})
	if err != nil {
		return nil, fmt.Errorf("load availability: %w", err)
	}
	for _, d := range days {
		for _, s := range d.Slots {
			if len(dataPool.Targets) == cfg.HotSlots {
				break
			}
			dataPool.Targets = append(dataPool.Targets, target{DoctorID: d.DoctorID, Day: practicetime.FormatDay(d.Day), Slot: s})
		}
	}

	if len(dataPool.Patients) == 0 {
		return nil, fmt.Errorf("no patients loaded, run cmd/seed first")
	}
	if len(dataPool.Targets) == 0 {
		return nil, fmt.Errorf("no published slots in the next %d days", cfg.Days)
	}

	for _, id := range dataPool.Patients {
		tok, err := auth.IssueToken(cfg.JWTSecret, auth.Patient(id), cfg.Duration+time.Hour)
		if err != nil {
			return nil, fmt.Errorf("issue patient token: %w", err)
		}
		dataPool.tokens[id] = tok
	}
	for _, t := range dataPool.Targets {
		if _, ok := dataPool.tokens[t.DoctorID]; ok {
			continue
		}
		tok, err := auth.IssueToken(cfg.JWTSecret, auth.Doctor(t.DoctorID), cfg.Duration+time.Hour)
		if err != nil {
			return nil, fmt.Errorf("issue doctor token: %w", err)
		}
		dataPool.tokens[t.DoctorID] = tok
	}

	return dataPool, nil
}

func countDoubleBookings(ctx context.Context, pool *pgxpool.Pool) (int, error) {
	var n int
	err := pool.QueryRow(ctx, `
		SELECT count(*) FROM (
			SELECT doctor_id, day, slot
			FROM appointments
			WHERE status <> 'cancelled'
			GROUP BY doctor_id, day, slot
			HAVING count(*) > 1
		) doubles
	`).Scan(&n)
	return n, err
}

func (s *Simulator) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Duration)
	defer cancel()

	log.Printf("starting simulation for %s with %d workers", s.config.Duration, s.config.Workers)

	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			s.worker(ctx, workerID)
		}(i)
	}

	wg.Wait()
	log.Println("simulation complete")
}

func (s *Simulator) worker(ctx context.Context, workerID int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))

	for {
		select {
		case <-ctx.Done():
			return
		default:
			r := rng.Float64()
			switch {
			case r < s.config.BookingRatio:
				s.doBooking(ctx, rng)
			case r < s.config.BookingRatio+s.config.ConfirmRatio:
				s.doConfirm(ctx, rng)
			default:
				switch rng.Intn(3) {
				case 0:
					s.doReadByID(ctx, rng)
				case 1:
					s.doListAvailability(ctx, rng)
				case 2:
					s.doListByPatient(ctx, rng)
				}
			}
		}
	}
}

// send issues one request and reports the status code. Transport errors
// yield status 0.
func (s *Simulator) send(ctx context.Context, method, path, bearer string, body any, out any) int {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return 0
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.config.APIBaseURL+path, reader)
	if err != nil {
		return 0
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode < 300 {
		_ = json.NewDecoder(resp.Body).Decode(out)
	} else {
		_, _ = io.Copy(io.Discard, resp.Body)
	}
	return resp.StatusCode
}

func (s *Simulator) doBooking(ctx context.Context, rng *rand.Rand) {
	t := s.pool.Targets[rng.Intn(len(s.pool.Targets))]
	patientID := s.pool.Patients[rng.Intn(len(s.pool.Patients))]
	token := s.pool.tokens[patientID]

	start := time.Now()
	var created struct {
		ID uuid.UUID `json:"id"`
	}
	status := s.send(ctx, http.MethodPost, "/appointments", token, map[string]string{
		"doctor_id": t.DoctorID.String(),
		"day":       t.Day,
		"slot":      t.Slot,
	}, &created)
	latency := time.Since(start)

	if status == http.StatusCreated && created.ID != uuid.Nil {
		s.pool.AddAppointment(booked{ID: created.ID, DoctorID: t.DoctorID, Token: token})
	}
	// slot_taken and slot_busy are the expected losers of a race.
	s.metrics.Booking.Record(latency, status == http.StatusCreated, status == http.StatusConflict)
}

func (s *Simulator) doConfirm(ctx context.Context, rng *rand.Rand) {
	b, ok := s.pool.RandomAppointment(rng)
	if !ok {
		return
	}

	start := time.Now()
	status := s.send(ctx, http.MethodPost, fmt.Sprintf("/appointments/%s/confirm", b.ID), s.pool.tokens[b.DoctorID], nil, nil)
	s.metrics.Confirm.Record(time.Since(start), status == http.StatusOK, status == http.StatusConflict)
}

func (s *Simulator) doReadByID(ctx context.Context, rng *rand.Rand) {
	b, ok := s.pool.RandomAppointment(rng)
	if !ok {
		return
	}

	start := time.Now()
	status := s.send(ctx, http.MethodGet, "/appointments/"+b.ID.String(), b.Token, nil, nil)
	s.metrics.ReadByID.Record(time.Since(start), status == http.StatusOK, false)
}

func (s *Simulator) doListAvailability(ctx context.Context, rng *rand.Rand) {
	t := s.pool.Targets[rng.Intn(len(s.pool.Targets))]

	start := time.Now()
	status := s.send(ctx, http.MethodGet, fmt.Sprintf("/availability?doctor_id=%s&from=%s", t.DoctorID, t.Day), "", nil, nil)
	s.metrics.ListAvailability.Record(time.Since(start), status == http.StatusOK, false)
}

func (s *Simulator) doListByPatient(ctx context.Context, rng *rand.Rand) {
	patientID := s.pool.Patients[rng.Intn(len(s.pool.Patients))]

	start := time.Now()
	status := s.send(ctx, http.MethodGet, "/appointments?limit=20&offset=0", s.pool.tokens[patientID], nil, nil)
	s.metrics.ListByPatient.Record(time.Since(start), status == http.StatusOK, false)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}
