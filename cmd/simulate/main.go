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
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medidesk/clinic-scheduling/internal/config"
	"github.com/medidesk/clinic-scheduling/internal/db"
)

// The simulator hammers the booking API with concurrent workers, biased
// toward a small set of doctor-days so that slot races actually happen, and
// reports outcome counts and latency percentiles. A run where two bookings
// ever succeed for one interval means the no-double-booking invariant broke.

type SimConfig struct {
	APIBaseURL  string
	Duration    time.Duration
	Workers     int
	BookRatio   float64
	CancelRatio float64
	ReadRatio   float64
	DoctorLimit int
	Days        int
	PostgresDSN string
}

type bookedAppointment struct {
	ID        uuid.UUID
	PatientID uuid.UUID
}

type DataPool struct {
	Patients []uuid.UUID
	Doctors  []uuid.UUID

	mu           sync.RWMutex
	appointments []bookedAppointment
}

func (dp *DataPool) AddAppointment(a bookedAppointment) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.appointments = append(dp.appointments, a)
}

func (dp *DataPool) GetRandomAppointment(rng *rand.Rand) (bookedAppointment, bool) {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	if len(dp.appointments) == 0 {
		return bookedAppointment{}, false
	}
	return dp.appointments[rng.Intn(len(dp.appointments))], true
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Error     int64
	Latencies []time.Duration
	mu        sync.Mutex
}

func (om *OperationMetrics) Record(latency time.Duration, success bool, conflict bool) {
	atomic.AddInt64(&om.Total, 1)
	if success {
		atomic.AddInt64(&om.Success, 1)
	} else if conflict {
		atomic.AddInt64(&om.Conflict, 1)
	} else {
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, min, max, p50, p95 time.Duration) {
	om.mu.Lock()
	defer om.mu.Unlock()

	if len(om.Latencies) == 0 {
		return 0, 0, 0, 0, 0
	}

	latencies := make([]time.Duration, len(om.Latencies))
	copy(latencies, om.Latencies)

	sort.Slice(latencies, func(i, j int) bool {
		return latencies[i] < latencies[j]
	})

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}

	avg = sum / time.Duration(len(latencies))
	min = latencies[0]
	max = latencies[len(latencies)-1]

	p50Idx := len(latencies) * 50 / 100
	if p50Idx >= len(latencies) {
		p50Idx = len(latencies) - 1
	}
	p50 = latencies[p50Idx]

	p95Idx := len(latencies) * 95 / 100
	if p95Idx >= len(latencies) {
		p95Idx = len(latencies) - 1
	}
	p95 = latencies[p95Idx]

	return avg, min, max, p50, p95
}

type Metrics struct {
	Booking   OperationMetrics
	Confirm   OperationMetrics
	Cancel    OperationMetrics
	ReadSlots OperationMetrics
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

	cfg := loadSimConfig()
	if cfg.Workers <= 0 || cfg.Duration <= 0 {
		log.Fatal("SIM_WORKERS and SIM_DURATION must be positive")
	}

	log.Printf("config: duration=%s workers=%d book=%.2f cancel=%.2f read=%.2f",
		cfg.Duration, cfg.Workers, cfg.BookRatio, cfg.CancelRatio, cfg.ReadRatio)

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

	log.Printf("loaded: %d patients, %d doctors", len(dataPool.Patients), len(dataPool.Doctors))

	sim := &Simulator{
		config: cfg,
		pool:   dataPool,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}

	sim.Run()
	sim.PrintReport()
}

func loadSimConfig() SimConfig {
	baseCfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load base config: %v", err)
	}

	return SimConfig{
		APIBaseURL:  getEnv("SIM_API_BASE_URL", "http://localhost:8080"),
		Duration:    getDuration("SIM_DURATION", 30*time.Second),
		Workers:     getInt("SIM_WORKERS", 10),
		BookRatio:   getFloat("SIM_BOOK_RATIO", 0.5),
		CancelRatio: getFloat("SIM_CANCEL_RATIO", 0.2),
		ReadRatio:   getFloat("SIM_READ_RATIO", 0.3),
		DoctorLimit: getInt("SIM_DOCTOR_LIMIT", 5),
		Days:        getInt("SIM_DAYS", 3),
		PostgresDSN: baseCfg.PostgresDSN,
	}
}

func loadDataPool(ctx context.Context, pgPool *pgxpool.Pool, cfg SimConfig) (*DataPool, error) {
	pool := &DataPool{}

	rows, err := pgPool.Query(ctx, `SELECT id FROM patients WHERE active LIMIT 2000`)
	if err != nil {
		return nil, fmt.Errorf("load patients: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		pool.Patients = append(pool.Patients, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	doctorRows, err := pgPool.Query(ctx, `SELECT id FROM doctors WHERE active LIMIT $1`, cfg.DoctorLimit)
	if err != nil {
		return nil, fmt.Errorf("load doctors: %w", err)
	}
	defer doctorRows.Close()
	for doctorRows.Next() {
		var id uuid.UUID
		if err := doctorRows.Scan(&id); err != nil {
			return nil, err
		}
		pool.Doctors = append(pool.Doctors, id)
	}
	if err := doctorRows.Err(); err != nil {
		return nil, err
	}

	if len(pool.Patients) == 0 || len(pool.Doctors) == 0 {
		return nil, fmt.Errorf("no patients or doctors found, run cmd/seed first")
	}

	return pool, nil
}

func (s *Simulator) Run() {
	log.Printf("running %d workers for %s", s.config.Workers, s.config.Duration)

	deadline := time.Now().Add(s.config.Duration)
	var wg sync.WaitGroup

	for w := 0; w < s.config.Workers; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(worker)))

			for time.Now().Before(deadline) {
				roll := rng.Float64()
				switch {
				case roll < s.config.BookRatio:
					s.doBook(rng)
				case roll < s.config.BookRatio+s.config.CancelRatio:
					s.doCancel(rng)
				default:
					s.doReadSlots(rng)
				}
			}
		}(w)
	}

	wg.Wait()
	log.Println("simulation finished")
}

// doBook posts a booking for a random half-hour slot on a deliberately small
// doctor/day surface so that collisions are frequent.
func (s *Simulator) doBook(rng *rand.Rand) {
	patient := s.pool.Patients[rng.Intn(len(s.pool.Patients))]
	doctor := s.pool.Doctors[rng.Intn(len(s.pool.Doctors))]

	day := time.Now().UTC().AddDate(0, 0, rng.Intn(s.config.Days)+1).Format("2006-01-02")
	startMinute := 9*60 + 30*rng.Intn(16) // 09:00 .. 16:30
	start := fmt.Sprintf("%02d:%02d", startMinute/60, startMinute%60)
	end := fmt.Sprintf("%02d:%02d", (startMinute+30)/60, (startMinute+30)%60)

	body, _ := json.Marshal(map[string]string{
		"patientId":       patient.String(),
		"doctorId":        doctor.String(),
		"appointmentDate": day,
		"startTime":       start,
		"endTime":         end,
		"reason":          "load test",
		"mode":            "in_person",
	})

	started := time.Now()
	req, _ := http.NewRequest(http.MethodPost, s.config.APIBaseURL+"/appointments", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", patient.String())
	req.Header.Set("X-User-Role", "patient")

	resp, err := s.client.Do(req)
	latency := time.Since(started)
	if err != nil {
		s.metrics.Booking.Record(latency, false, false)
		return
	}
	defer drainAndClose(resp)

	switch resp.StatusCode {
	case http.StatusCreated:
		var created struct {
			ID uuid.UUID `json:"id"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&created); err == nil {
			s.pool.AddAppointment(bookedAppointment{ID: created.ID, PatientID: patient})
		}
		s.metrics.Booking.Record(latency, true, false)
	case http.StatusConflict:
		s.metrics.Booking.Record(latency, false, true)
	default:
		s.metrics.Booking.Record(latency, false, false)
	}
}

func (s *Simulator) doCancel(rng *rand.Rand) {
	appt, ok := s.pool.GetRandomAppointment(rng)
	if !ok {
		return
	}

	body, _ := json.Marshal(map[string]string{"reason": "changed my mind"})

	started := time.Now()
	req, _ := http.NewRequest(http.MethodPut,
		fmt.Sprintf("%s/appointments/%s/cancel", s.config.APIBaseURL, appt.ID), bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", appt.PatientID.String())
	req.Header.Set("X-User-Role", "patient")

	resp, err := s.client.Do(req)
	latency := time.Since(started)
	if err != nil {
		s.metrics.Cancel.Record(latency, false, false)
		return
	}
	defer drainAndClose(resp)

	switch resp.StatusCode {
	case http.StatusOK:
		s.metrics.Cancel.Record(latency, true, false)
	case http.StatusBadRequest:
		// already cancelled by another worker; counts as a conflict
		s.metrics.Cancel.Record(latency, false, true)
	default:
		s.metrics.Cancel.Record(latency, false, false)
	}
}

func (s *Simulator) doReadSlots(rng *rand.Rand) {
	doctor := s.pool.Doctors[rng.Intn(len(s.pool.Doctors))]
	day := time.Now().UTC().AddDate(0, 0, rng.Intn(s.config.Days)+1).Format("2006-01-02")

	started := time.Now()
	resp, err := s.client.Get(fmt.Sprintf("%s/appointments/slots/%s/%s", s.config.APIBaseURL, doctor, day))
	latency := time.Since(started)
	if err != nil {
		s.metrics.ReadSlots.Record(latency, false, false)
		return
	}
	defer drainAndClose(resp)

	s.metrics.ReadSlots.Record(latency, resp.StatusCode == http.StatusOK, false)
}

func (s *Simulator) PrintReport() {
	fmt.Println()
	fmt.Println("=== Simulation Report ===")
	printOp("booking", &s.metrics.Booking)
	printOp("cancel", &s.metrics.Cancel)
	printOp("read-slots", &s.metrics.ReadSlots)
}

func printOp(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		fmt.Printf("%-12s no operations\n", name)
		return
	}
	avg, min, max, p50, p95 := om.Stats()
	fmt.Printf("%-12s total=%d success=%d conflict=%d error=%d\n",
		name, total, atomic.LoadInt64(&om.Success), atomic.LoadInt64(&om.Conflict), atomic.LoadInt64(&om.Error))
	fmt.Printf("%-12s latency avg=%s min=%s max=%s p50=%s p95=%s\n", "", avg, min, max, p50, p95)
}

func drainAndClose(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
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

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
