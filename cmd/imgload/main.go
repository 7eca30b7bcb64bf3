// Management Console
package main

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/urfave/cli"

	"github.com/regorov/imgload"
	"github.com/regorov/imgload/diskcache"
	"github.com/regorov/imgload/memcache"
)

// EnvVarPrefix holds environment variables prefix related to application.
const (
	EnvVarPrefix = "IMGLOAD_"
)

func main() {

	app := cli.NewApp()
	app.Name = "imgload"
	app.Usage = "coalescing image loader"
	app.Version = BuildNumber
	app.Flags = []cli.Flag{
		cli.BoolFlag{
			Name:   "debug, d",
			Usage:  "debug mode activation",
			EnvVar: EnvVarPrefix + "DEBUG",
		},
		cli.StringFlag{
			Name:   "pl",
			Usage:  "pprof HTTP listener",
			EnvVar: EnvVarPrefix + "PPROF_LISTENER",
		},
		cli.StringFlag{
			Name:   "ml",
			Usage:  "prometheus HTTP listener",
			EnvVar: EnvVarPrefix + "METRICS_LISTENER",
		},
	}

	app.Commands = []cli.Command{
		{
			Name:    "start",
			Aliases: []string{"s"},
			Usage:   "start application",

			Action: start,
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:   "input, i",
					Value:  "input.txt",
					Usage:  "input file name, one url per line",
					EnvVar: EnvVarPrefix + "INPUT",
				},
				cli.StringFlag{
					Name:   "output, o",
					Value:  "result.csv",
					Usage:  "output file name",
					EnvVar: EnvVarPrefix + "OUTPUT",
				},
				cli.IntFlag{
					Name:   "workers, w",
					Value:  runtime.NumCPU(),
					Usage:  "amount of parallel decode/process goroutines",
					EnvVar: EnvVarPrefix + "WORKERS",
				},
				cli.IntFlag{
					Name:   "inflight, n",
					Value:  64,
					Usage:  "maximum simultaneously submitted fetches",
					EnvVar: EnvVarPrefix + "INFLIGHT",
				},
				cli.IntFlag{
					Name:   "conns",
					Value:  imgload.DefaultMaxConnsPerHost,
					Usage:  "maximum parallel http connections per host",
					EnvVar: EnvVarPrefix + "CONNS",
				},
				cli.DurationFlag{
					Name:   "timeout",
					Value:  imgload.DefaultReadTimeout,
					Usage:  "http read timeout",
					EnvVar: EnvVarPrefix + "TIMEOUT",
				},
				cli.IntFlag{
					Name:   "width",
					Usage:  "target bounding box width, 0 keeps the original",
					EnvVar: EnvVarPrefix + "WIDTH",
				},
				cli.IntFlag{
					Name:   "height",
					Usage:  "target bounding box height, 0 keeps the original",
					EnvVar: EnvVarPrefix + "HEIGHT",
				},
				cli.BoolFlag{
					Name:   "fast",
					Usage:  "use the fast bi-linear scaler instead of Catmull-Rom",
					EnvVar: EnvVarPrefix + "FAST",
				},
				cli.BoolFlag{
					Name:   "progressive",
					Usage:  "report partial images while bodies stream in",
					EnvVar: EnvVarPrefix + "PROGRESSIVE",
				},
				cli.StringFlag{
					Name:   "policy",
					Value:  "default",
					Usage:  "cache policy: default, refresh or bypass",
					EnvVar: EnvVarPrefix + "POLICY",
				},
				cli.IntFlag{
					Name:   "prio",
					Usage:  "request priority, -2 (very low) to 2 (very high)",
					EnvVar: EnvVarPrefix + "PRIO",
				},
				cli.DurationFlag{
					Name:   "ttl",
					Usage:  "cached response lifetime, 0 uses the coordinator default",
					EnvVar: EnvVarPrefix + "TTL",
				},
				cli.Int64Flag{
					Name:   "memcache",
					Value:  256,
					Usage:  "in-memory cache size in MB, 0 disables",
					EnvVar: EnvVarPrefix + "MEMCACHE",
				},
				cli.StringFlag{
					Name:   "diskcache",
					Usage:  "persistent cache directory, empty disables",
					EnvVar: EnvVarPrefix + "DISKCACHE",
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		os.Exit(1)
	}
}

func start(c *cli.Context) error {

	debug := c.GlobalBool("debug")

	// 1. logger format preparation.
	zerolog.TimeFieldFormat = "20060102T150405.999Z07:00"
	zerolog.TimestampFieldName = "t"
	zerolog.MessageFieldName = "msg"
	zerolog.LevelFieldName = "lvl"

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	logger.Info().Str("version", BuildNumber).Msg("application started")

	logger.Info().
		Bool("debug", debug).
		Str("input", c.String("input")).
		Str("output", c.String("output")).
		Int("workers", c.Int("workers")).
		Int("inflight", c.Int("inflight")).
		Msg("launching params")

	policy, err := parsePolicy(c.String("policy"))
	if err != nil {
		logger.Error().Str("errmsg", err.Error()).Msg("bad launching params")
		return err
	}

	// 2. runtime profiling and metrics activation.
	if c.GlobalIsSet("pl") {
		go func(listen string) {
			logger.Info().Str("pl", listen).Msg("start pprof http listener")
			if err := http.ListenAndServe(listen, nil); err != nil {
				logger.Error().Str("errmsg", err.Error()).Msg("pprof listener starting failed")
			}
		}(c.GlobalString("pl"))
	}

	var metrics *imgload.Metrics
	if c.GlobalIsSet("ml") {
		reg := prometheus.NewRegistry()
		metrics = imgload.NewMetrics(reg)
		go func(listen string) {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			logger.Info().Str("ml", listen).Msg("start metrics http listener")
			if err := http.ListenAndServe(listen, mux); err != nil {
				logger.Error().Str("errmsg", err.Error()).Msg("metrics listener starting failed")
			}
		}(c.GlobalString("ml"))
	}

	// 3. SIGINT capture.
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		<-stop
		logger.Info().Msg("signal SIGINT captured")
		cancel()
	}()

	// 4. Create objects.
	input := NewURLFileInput(logger)

	transport := imgload.NewHTTPTransport(logger)
	transport.SetMaxConnsPerHost(c.Int("conns"))
	transport.SetReadTimeout(c.Duration("timeout"))

	decoder := imgload.StdDecoder{}
	opts := []imgload.Option{
		imgload.WithDecoder(decoder),
		imgload.WithDecodeWorkers(c.Int("workers")),
	}
	if metrics != nil {
		opts = append(opts, imgload.WithMetrics(metrics))
	}

	if c.Int("width") > 0 || c.Int("height") > 0 {
		if c.Bool("fast") {
			opts = append(opts, imgload.WithProcessor(imgload.NewFastScaleProcessor()))
		} else {
			opts = append(opts, imgload.WithProcessor(imgload.NewScaleProcessor()))
		}
	}

	switch {
	case c.String("diskcache") != "":
		disk, err := diskcache.Open(logger, c.String("diskcache"), decoder)
		if err != nil {
			logger.Error().Str("errmsg", err.Error()).Msg("disk cache open failed")
			return err
		}
		defer func() { _ = disk.Close() }()
		opts = append(opts, imgload.WithCache(disk))
	case c.Int64("memcache") > 0:
		mem, err := memcache.New(logger, c.Int64("memcache")<<20)
		if err != nil {
			logger.Error().Str("errmsg", err.Error()).Msg("memory cache create failed")
			return err
		}
		defer mem.Close()
		opts = append(opts, imgload.WithCache(mem))
	}

	coord, err := imgload.New(logger, transport, opts...)
	if err != nil {
		logger.Error().Str("errmsg", err.Error()).Msg("coordinator create failed")
		return err
	}

	report := NewBufferedCSV(DefaultBufferLen)
	if err := report.Open(c.String("output")); err != nil {
		logger.Error().Str("errmsg", err.Error()).Msg("output file open/create failed")
		return err
	}

	// 5. Start processes.
	coord.Start(ctx)

	if err := input.Start(ctx, c.String("input")); err != nil {
		logger.Error().Str("errmsg", err.Error()).Msg("input file open failed")
		return err
	}

	started := time.Now()
	logger.Info().Msg("processing started")

	tmpl := imgload.Request{
		Priority:     clampPriority(c.Int("prio")),
		CachePolicy:  policy,
		TTL:          c.Duration("ttl"),
		Progressive:  c.Bool("progressive"),
		TargetWidth:  c.Int("width"),
		TargetHeight: c.Int("height"),
	}
	process(ctx, logger, coord, input, report, tmpl, c.Int("inflight"))

	if err := report.Close(); err != nil {
		logger.Error().Str("errmsg", err.Error()).Msg("output file flush/close failed")
	}

	logger.Info().Str("dur", time.Since(started).String()).Msg("Completed")
	return nil
}

// process drives urls from the input into the coordinator, bounding the
// number of simultaneously submitted fetches, and turns every completion
// into a report row.
func process(ctx context.Context, logger zerolog.Logger, coord *imgload.Coordinator,
	input *URLFileInput, report *BufferedCSV, tmpl imgload.Request, inflight int) {

	if inflight < 1 {
		inflight = 1
	}
	tokens := make(chan struct{}, inflight)
	var wg sync.WaitGroup

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case url, ok := <-input.Next():
			if !ok {
				break loop
			}

			req := tmpl
			req.URL = url

			// already stored responses shortcut the whole pipeline.
			if resp := coord.CachedResponse(req); resp != nil {
				row := &Row{URL: url, Cached: true, Bytes: resp.Meta.Size}
				if resp.Artifact != nil {
					row.Format = resp.Artifact.Format
					row.Width = resp.Artifact.Width
					row.Height = resp.Artifact.Height
				}
				if err := report.Save(row); err != nil {
					logger.Error().Str("errmsg", err.Error()).Msg("report write failed")
				}
				continue
			}

			select {
			case tokens <- struct{}{}:
			case <-ctx.Done():
				break loop
			}

			t := time.Now()
			wg.Add(1)
			task := coord.Fetch(req, nil, func(res imgload.Result) {
				row := &Row{
					URL:      url,
					Err:      res.Err,
					Bytes:    res.Meta.Size,
					Cached:   res.FromCache,
					Duration: time.Since(t),
				}
				if res.Artifact != nil {
					row.Format = res.Artifact.Format
					row.Width = res.Artifact.Width
					row.Height = res.Artifact.Height
				}
				if err := report.Save(row); err != nil {
					logger.Error().Str("errmsg", err.Error()).Msg("report write failed")
				}
				<-tokens
				wg.Done()
			})

			if req.Progressive {
				task.SetProgressive(func(a *imgload.Artifact) {
					logger.Debug().Str("url", url).Int("w", a.Width).Int("h", a.Height).Msg("partial image")
				})
			}
		}
	}

	// on SIGINT the coordinator drops pending completions, do not wait
	// for them.
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

func parsePolicy(s string) (imgload.CachePolicy, error) {
	switch strings.ToLower(s) {
	case "", "default":
		return imgload.CacheDefault, nil
	case "refresh":
		return imgload.CacheRefresh, nil
	case "bypass":
		return imgload.CacheBypass, nil
	}
	return imgload.CacheDefault, fmt.Errorf("unknown cache policy %q", s)
}

func clampPriority(v int) imgload.Priority {
	if v < int(imgload.PriorityVeryLow) {
		return imgload.PriorityVeryLow
	}
	if v > int(imgload.PriorityVeryHigh) {
		return imgload.PriorityVeryHigh
	}
	return imgload.Priority(v)
}
