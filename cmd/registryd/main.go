// Command registryd is the registry process: it accepts provider and
// consumer connections and wires together the in-process registry state,
// the ack-retransmit tracker, and idle detection around a single shared
// timing wheel.
package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/wanjg/jupiter/ackretransmit"
	"github.com/wanjg/jupiter/middleware"
	"github.com/wanjg/jupiter/regcontext"
	"github.com/wanjg/jupiter/registryserver"
	"github.com/wanjg/jupiter/serializer"
	"github.com/wanjg/jupiter/server"
	"github.com/wanjg/jupiter/timingwheel"
)

func loadConfig() *viper.Viper {
	v := viper.New()
	v.SetDefault("listen_addr", ":7070")
	v.SetDefault("reader_idle_time_seconds", 60)
	v.SetDefault("writer_idle_time_seconds", 0)
	v.SetDefault("all_idle_time_seconds", 0)
	v.SetDefault("tick_duration_ms", 100)
	v.SetDefault("wheel_size", 512)
	v.SetDefault("serializer", "msgpack")
	v.SetDefault("rate_limit_per_sec", 0)

	v.SetEnvPrefix("registryd")
	v.AutomaticEnv()

	v.SetConfigName("registryd")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/registryd")
	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			panic(err)
		}
	}
	return v
}

func buildSerializer(name string) serializer.Serializer {
	if name == "json" {
		return serializer.JSON{}
	}
	return serializer.Msgpack{}
}

func main() {
	v := loadConfig()

	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	ser := buildSerializer(v.GetString("serializer"))

	regCtx := regcontext.New()
	tracker := ackretransmit.New(regCtx, ser, nil, sugar)
	tracker.Start()
	defer tracker.Stop()

	var opts []registryserver.Option
	opts = append(opts, registryserver.WithMiddleware(middleware.LoggingMiddleware(sugar)))
	if limit := v.GetInt("rate_limit_per_sec"); limit > 0 {
		opts = append(opts, registryserver.WithMiddleware(middleware.RateLimitMiddleware(float64(limit), limit)))
	}

	regSrv := registryserver.New(regCtx, tracker, ser, sugar, opts...)

	wheel := timingwheel.New(
		time.Duration(v.GetInt("tick_duration_ms"))*time.Millisecond,
		v.GetInt("wheel_size"),
	)
	defer wheel.Stop()

	cfg := server.Config{
		ReaderIdle: time.Duration(v.GetInt("reader_idle_time_seconds")) * time.Second,
		WriterIdle: time.Duration(v.GetInt("writer_idle_time_seconds")) * time.Second,
		AllIdle:    time.Duration(v.GetInt("all_idle_time_seconds")) * time.Second,
	}
	srv := server.New(regSrv, wheel, cfg, sugar)

	addr := v.GetString("listen_addr")
	errCh := make(chan error, 1)
	go func() {
		sugar.Infow("registryd: listening", "addr", addr)
		errCh <- srv.Serve(addr)
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			sugar.Fatalw("registryd: listener exited", "error", err)
		}
	case sig := <-stop:
		sugar.Infow("registryd: shutting down", "signal", sig.String())
		if err := srv.Shutdown(); err != nil {
			sugar.Warnw("registryd: shutdown error", "error", err)
		}
	}
}
