// Command loadtest нагружает HTTP API заказов сценариями create, create-place
// и create-place-cancel и печатает сводку задержек.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

type loadMode string

const (
	modeCreate            loadMode = "create"
	modeCreatePlace       loadMode = "create-place"
	modeCreatePlaceCancel loadMode = "create-place-cancel"
)

type config struct {
	baseURL     string
	total       int
	totalSet    bool
	duration    time.Duration
	concurrency int
	rps         float64
	timeout     time.Duration
	mode        loadMode
	cancelRate  int
	tenantID    string
	currency    string
	productID   string
	unitPrice   string
	customerTag string
	outputPath  string
}

func parseConfig(args []string) (config, error) {
	var (
		cfg           config
		modeValue     string
		timeoutValue  string
		durationValue string
	)

	fs := flag.NewFlagSet("loadtest", flag.ContinueOnError)
	fs.StringVar(&cfg.baseURL, "url", "http://localhost:8080", "order API base URL")
	fs.IntVar(&cfg.total, "total", 400, "total scenarios to execute in count mode; in duration mode only used when explicitly set")
	fs.StringVar(&durationValue, "duration", "0s", "optional time-based run duration (e.g. 10m, 15m)")
	fs.IntVar(&cfg.concurrency, "concurrency", 40, "number of concurrent workers")
	fs.Float64Var(&cfg.rps, "rps", 0, "scenario start rate limit per second (0 = unlimited)")
	fs.StringVar(&timeoutValue, "timeout", "5s", "per-request timeout")
	fs.StringVar(&modeValue, "mode", string(modeCreate), "load mode: create | create-place | create-place-cancel")
	fs.IntVar(&cfg.cancelRate, "cancel-rate", 0, "cancel share in percent for create-place mode (0..100)")
	fs.StringVar(&cfg.tenantID, "tenant", "load", "tenant id")
	fs.StringVar(&cfg.currency, "currency", "USD", "order currency")
	fs.StringVar(&cfg.productID, "product", "SKU-LOAD", "product id of the single order line")
	fs.StringVar(&cfg.unitPrice, "unit-price", "10.00", "unit price of the order line")
	fs.StringVar(&cfg.customerTag, "customer-tag", "load", "customer id prefix")
	fs.StringVar(&cfg.outputPath, "output", "", "optional JSON report output file path")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	timeout, err := time.ParseDuration(strings.TrimSpace(timeoutValue))
	if err != nil {
		return cfg, fmt.Errorf("parse timeout: %w", err)
	}
	cfg.timeout = timeout

	duration, err := time.ParseDuration(strings.TrimSpace(durationValue))
	if err != nil {
		return cfg, fmt.Errorf("parse duration: %w", err)
	}
	cfg.duration = duration

	fs.Visit(func(f *flag.Flag) {
		if f.Name == "total" {
			cfg.totalSet = true
		}
	})

	if cfg.mode, err = parseMode(modeValue); err != nil {
		return cfg, err
	}
	return cfg, cfg.validate()
}

func (cfg config) validate() error {
	switch {
	case cfg.duration < 0:
		return errors.New("duration must be >= 0")
	case cfg.duration == 0 && cfg.total <= 0:
		return errors.New("total must be > 0 when duration is not set")
	case cfg.duration > 0 && cfg.totalSet && cfg.total <= 0:
		return errors.New("total must be > 0 when explicitly set with duration")
	case cfg.concurrency <= 0:
		return errors.New("concurrency must be > 0")
	case cfg.rps < 0:
		return errors.New("rps must be >= 0")
	case cfg.timeout <= 0:
		return errors.New("timeout must be > 0")
	case cfg.cancelRate < 0 || cfg.cancelRate > 100:
		return errors.New("cancel-rate must be between 0 and 100")
	case strings.TrimSpace(cfg.baseURL) == "":
		return errors.New("url is required")
	case strings.TrimSpace(cfg.tenantID) == "":
		return errors.New("tenant is required")
	case len(strings.TrimSpace(cfg.currency)) != 3:
		return errors.New("currency must be a 3-letter code")
	case strings.TrimSpace(cfg.productID) == "":
		return errors.New("product is required")
	case strings.TrimSpace(cfg.customerTag) == "":
		return errors.New("customer-tag is required")
	}
	price, err := decimal.NewFromString(cfg.unitPrice)
	if err != nil || !price.IsPositive() {
		return errors.New("unit-price must be a positive decimal")
	}
	return nil
}

func parseMode(value string) (loadMode, error) {
	switch mode := loadMode(strings.TrimSpace(value)); mode {
	case modeCreate, modeCreatePlace, modeCreatePlaceCancel:
		return mode, nil
	default:
		return "", fmt.Errorf("unsupported mode: %s", value)
	}
}

func main() {
	cfg, err := parseConfig(os.Args[1:])
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(2)
	}

	result := run(context.Background(), cfg)

	printReport(result, cfg)
	if cfg.outputPath != "" {
		if err := writeJSONReport(cfg.outputPath, result); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "failed to write report: %v\n", err)
			os.Exit(1)
		}
	}
	if result.FailedScenarios > 0 {
		os.Exit(1)
	}
}

// run выполняет нагрузку и возвращает отчёт.
func run(ctx context.Context, cfg config) report {
	startedAt := time.Now()
	runID := fmt.Sprintf("%d-%d", startedAt.UnixNano(), os.Getpid())
	col := newCollector()
	client := newAPIClient(cfg, col)

	var limiter *rate.Limiter
	if cfg.rps > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.rps), 1)
	}

	jobs := make(chan int, cfg.concurrency*2)
	var wg sync.WaitGroup

	for w := 0; w < cfg.concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range jobs {
				if limiter != nil {
					if err := limiter.Wait(ctx); err != nil {
						continue
					}
				}
				_ = runScenario(ctx, client, cfg, id, runID)
			}
		}()
	}

	dispatchJobs(jobs, cfg)
	wg.Wait()

	return col.buildReport(startedAt, time.Since(startedAt))
}

func dispatchJobs(jobs chan<- int, cfg config) {
	defer close(jobs)

	if cfg.duration <= 0 {
		for i := 0; i < cfg.total; i++ {
			jobs <- i
		}
		return
	}

	timer := time.NewTimer(cfg.duration)
	defer timer.Stop()

	for i := 0; ; i++ {
		if cfg.totalSet && i >= cfg.total {
			return
		}
		select {
		case <-timer.C:
			return
		case jobs <- i:
		}
	}
}

func runScenario(ctx context.Context, client *apiClient, cfg config, index int, runID string) (err error) {
	start := time.Now()
	defer func() {
		status := "ok"
		if err != nil {
			status = "failed"
		}
		client.col.record(scenarioName, time.Since(start), status, err == nil)
	}()

	order, err := client.createOrder(ctx, cfg, fmt.Sprintf("%s-%s-%d", cfg.customerTag, runID, index))
	if err != nil {
		return err
	}
	if cfg.mode == modeCreate {
		return nil
	}

	if err := client.placeOrder(ctx, order.ID); err != nil {
		return err
	}

	if cfg.mode == modeCreatePlaceCancel || (cfg.mode == modeCreatePlace && shouldCancelScenario(index, cfg.cancelRate)) {
		return client.cancelOrder(ctx, order.ID)
	}
	return nil
}

func shouldCancelScenario(index, cancelRate int) bool {
	if cancelRate <= 0 {
		return false
	}
	if cancelRate >= 100 {
		return true
	}
	return index%100 < cancelRate
}
