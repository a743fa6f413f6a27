// Command sms-receiver ingests forwarded carrier SMS messages, extracts the
// verification codes, and hands them to the API over a small HTTP surface.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/valyala/fasthttp"

	"recargas"
)

// receiver holds the single-slot OTP mailbox the API polls.
type receiver struct {
	mailbox *recargas.FileMailbox
	logger  recargas.Logger
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

// config is the receiver's own small environment surface; it does not need
// the carrier credentials the API requires.
type config struct {
	OTPFile    string `env:"OTP_FILE" envDefault:"data/last_otp.txt"`
	ListenAddr string `env:"SMS_LISTEN_ADDR" envDefault:":5002"`
	LogLevel   string `env:"LOG_LEVEL" envDefault:"info"`
}

func run() error {
	_ = godotenv.Load()

	cfg := config{}
	if err := env.Parse(&cfg); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logger, flush, err := recargas.NewLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer flush()
	logger = recargas.PrefixLogger(logger, "sms")

	rcv := &receiver{
		mailbox: recargas.NewFileMailbox(cfg.OTPFile, 0),
		logger:  logger,
	}

	server := &fasthttp.Server{
		Handler:      rcv.route,
		Name:         "sms-receiver",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)

	serverErr := make(chan error, 1)
	go func() {
		logger.Log("listening on %s", cfg.ListenAddr)
		serverErr <- server.ListenAndServe(cfg.ListenAddr)
	}()

	select {
	case sig := <-quit:
		logger.Log("shutdown signal received: %s", sig)
	case err := <-serverErr:
		return err
	}
	return server.Shutdown()
}

func (rc *receiver) route(ctx *fasthttp.RequestCtx) {
	switch string(ctx.Path()) {
	case "/otp":
		rc.handleIngest(ctx)
	case "/otp/last":
		switch string(ctx.Method()) {
		case fasthttp.MethodGet:
			rc.handleLast(ctx)
		case fasthttp.MethodDelete:
			rc.handleClear(ctx)
		default:
			ctx.SetStatusCode(fasthttp.StatusMethodNotAllowed)
		}
	case "/health":
		writeJSON(ctx, fasthttp.StatusOK, map[string]any{
			"status":    "healthy",
			"timestamp": time.Now().Format(time.RFC3339),
		})
	default:
		ctx.SetStatusCode(fasthttp.StatusNotFound)
	}
}

// handleIngest accepts a forwarded SMS as JSON, form data, or query
// parameters; SMS forwarder apps differ in what they can send.
func (rc *receiver) handleIngest(ctx *fasthttp.RequestCtx) {
	fields := ingestFields(ctx)

	from := firstOf(fields, "from", "sender")
	if from == "" {
		from = "unknown"
	}
	message := firstOf(fields, "content", "message", "text", "body")
	sim := detectSIM(fields)

	rc.logger.Log("SMS from %s (%s): %.100s", from, sim, message)

	code := recargas.ExtractOTP(message)
	if code == "" {
		rc.logger.Log("no OTP in message")
		writeJSON(ctx, fasthttp.StatusOK, map[string]any{
			"status":        "success",
			"otp_extracted": false,
		})
		return
	}

	if err := rc.mailbox.Record(code, time.Now()); err != nil {
		rc.logger.Log("storing OTP failed: %v", err)
		writeJSON(ctx, fasthttp.StatusInternalServerError, map[string]any{
			"status": "error",
		})
		return
	}

	rc.logger.Log("OTP extracted: %s", code)
	writeJSON(ctx, fasthttp.StatusOK, map[string]any{
		"status":        "success",
		"otp_extracted": true,
		"otp":           code,
		"sim_card":      sim,
	})
}

func (rc *receiver) handleLast(ctx *fasthttp.RequestCtx) {
	rec, ok := rc.mailbox.Peek()
	if !ok {
		ctx.SetStatusCode(fasthttp.StatusNotFound)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, rec)
}

func (rc *receiver) handleClear(ctx *fasthttp.RequestCtx) {
	if err := rc.mailbox.Consume(); err != nil {
		rc.logger.Log("clearing OTP failed: %v", err)
	}
	writeJSON(ctx, fasthttp.StatusOK, map[string]any{"status": "cleared"})
}

// ingestFields flattens the request payload into a string map regardless of
// transport encoding.
func ingestFields(ctx *fasthttp.RequestCtx) map[string]string {
	fields := make(map[string]string)

	ctx.QueryArgs().VisitAll(func(k, v []byte) {
		fields[string(k)] = string(v)
	})

	if ctx.IsPost() {
		if strings.Contains(string(ctx.Request.Header.ContentType()), "application/json") {
			var body map[string]any
			if err := json.Unmarshal(ctx.PostBody(), &body); err == nil {
				for k, v := range body {
					fields[k] = fmt.Sprint(v)
				}
			}
		} else {
			ctx.PostArgs().VisitAll(func(k, v []byte) {
				fields[string(k)] = string(v)
			})
		}
	}
	return fields
}

func firstOf(fields map[string]string, keys ...string) string {
	for _, key := range keys {
		if v := strings.TrimSpace(fields[key]); v != "" {
			return v
		}
	}
	return ""
}

// detectSIM figures out which SIM slot received the message. Forwarders
// report either a "sim" label or a zero-based "simSlot" index.
func detectSIM(fields map[string]string) string {
	sim := strings.ToUpper(fields["sim"])
	switch {
	case strings.Contains(sim, "SIM2"), sim == "2":
		return "SIM2"
	case strings.Contains(sim, "SIM1"), sim == "1":
		return "SIM1"
	}

	switch strings.TrimSpace(fields["simSlot"]) {
	case "1":
		return "SIM2"
	case "0":
		return "SIM1"
	}
	return "SIM1"
}

func writeJSON(ctx *fasthttp.RequestCtx, status int, v any) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json; charset=utf-8")
	_ = json.NewEncoder(ctx).Encode(v)
}
