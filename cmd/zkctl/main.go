package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"maps"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/pquerna/otp/totp"
	"github.com/urfave/cli/v2"
	"golang.org/x/crypto/bcrypt"

	"zerokeep/pkg/apiclient"
	"zerokeep/pkg/audit"
	"zerokeep/pkg/auditbus"
	"zerokeep/pkg/vault"
)

var flagServerAddr = &cli.StringFlag{
	Name:    "server",
	Value:   "http://127.0.0.1:8080",
	Usage:   "gateway base URL",
	EnvVars: []string{"ZK_SERVER"},
}

var flagAPIKey = &cli.StringFlag{
	Name:    "api-key",
	Usage:   "static API key",
	EnvVars: []string{"APP_API_KEY"},
}

var flagSecret = &cli.StringFlag{
	Name:    "hmac-secret",
	Usage:   "shared HMAC secret",
	EnvVars: []string{"HMAC_SECRET"},
}

var flagUserAgent = &cli.StringFlag{
	Name:    "user-agent",
	Value:   "ZeroKeep-Android/1.0",
	EnvVars: []string{"EXPECTED_USER_AGENT"},
}

var flagDeviceID = &cli.StringFlag{
	Name:  "device-id",
	Value: "zkctl",
}

var flagOwner = &cli.StringFlag{
	Name:    "owner",
	Usage:   "owner hash (at least 32 characters)",
	EnvVars: []string{"ZK_OWNER_HASH"},
}

var flagTimeout = &cli.DurationFlag{
	Name:  "timeout",
	Value: 10 * time.Second,
}

var flagKafkaBrokers = &cli.StringFlag{
	Name:    "brokers",
	Usage:   "comma separated Kafka brokers",
	EnvVars: []string{"AUDIT_KAFKA_BROKERS"},
}

var flagKafkaTopic = &cli.StringFlag{
	Name:    "topic",
	Value:   "zerokeep.audit",
	EnvVars: []string{"AUDIT_KAFKA_TOPIC"},
}

var flagKafkaGroup = &cli.StringFlag{
	Name:  "group",
	Value: "zkctl",
}

type eventSource interface {
	Next(ctx context.Context) (audit.Event, error)
	Close() error
}

var newEventSource = func(cfg auditbus.Config) (eventSource, error) {
	return auditbus.NewKafkaConsumer(cfg)
}

func main() {
	_ = godotenv.Load()
	if err := newApp(os.Stdout).Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp(out io.Writer) *cli.App {
	return &cli.App{
		Name:   "zkctl",
		Usage:  "operate a zerokeep gateway",
		Writer: out,
		Flags: []cli.Flag{
			flagServerAddr,
			flagAPIKey,
			flagSecret,
			flagUserAgent,
			flagDeviceID,
			flagOwner,
			flagTimeout,
		},
		Commands: []*cli.Command{
			{
				Name:      "sign",
				Usage:     "print the signed headers for a request body",
				ArgsUsage: "[body]",
				Action: func(cCtx *cli.Context) error {
					c := newClient(cCtx)
					h := c.Headers(time.Now(), []byte(cCtx.Args().First()))
					for _, k := range slices.Sorted(maps.Keys(h)) {
						fmt.Fprintf(out, "%s: %s\n", k, h.Get(k))
					}
					return nil
				},
			},
			{
				Name:      "save",
				Usage:     "store one encrypted record",
				ArgsUsage: "<blob> <iv>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "id", Usage: "record id, generated when empty"},
					&cli.StringFlag{Name: "title-hash"},
					&cli.IntFlag{Name: "order"},
				},
				Action: func(cCtx *cli.Context) error {
					if cCtx.NArg() != 2 {
						return errors.New("save needs <blob> <iv>")
					}
					id := cCtx.String("id")
					if id == "" {
						id = uuid.NewString()
					}
					rec := vault.Record{
						ID:            id,
						TitleHash:     cCtx.String("title-hash"),
						EncryptedBlob: cCtx.Args().Get(0),
						IV:            cCtx.Args().Get(1),
						OrderIndex:    cCtx.Int("order"),
					}
					if err := newClient(cCtx).Save(cCtx.Context, rec); err != nil {
						return fmt.Errorf("save: %w", err)
					}
					fmt.Fprintln(out, id)
					return nil
				},
			},
			{
				Name:  "fetch",
				Usage: "list the owner's records",
				Action: func(cCtx *cli.Context) error {
					recs, err := newClient(cCtx).Fetch(cCtx.Context)
					if err != nil {
						return fmt.Errorf("fetch: %w", err)
					}
					return printJSON(out, recs)
				},
			},
			{
				Name:      "delete",
				Usage:     "delete one of the owner's records",
				ArgsUsage: "<id>",
				Action: func(cCtx *cli.Context) error {
					if cCtx.NArg() != 1 {
						return errors.New("delete needs <id>")
					}
					if err := newClient(cCtx).Delete(cCtx.Context, cCtx.Args().First()); err != nil {
						return fmt.Errorf("delete: %w", err)
					}
					fmt.Fprintln(out, "deleted")
					return nil
				},
			},
			{
				Name:      "reorder",
				Usage:     "set display order",
				ArgsUsage: "<id=order>...",
				Action: func(cCtx *cli.Context) error {
					items, err := parseOrder(cCtx.Args().Slice())
					if err != nil {
						return err
					}
					if err := newClient(cCtx).Reorder(cCtx.Context, items); err != nil {
						return fmt.Errorf("reorder: %w", err)
					}
					fmt.Fprintf(out, "reordered %d\n", len(items))
					return nil
				},
			},
			{
				Name:      "crash",
				Usage:     "submit a crash report",
				ArgsUsage: "<exception>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "device", Value: "zkctl"},
					&cli.StringFlag{Name: "stacktrace"},
				},
				Action: func(cCtx *cli.Context) error {
					crash := audit.Crash{
						Timestamp:  time.Now().UTC().Format(time.RFC3339),
						Device:     cCtx.String("device"),
						Thread:     "main",
						Exception:  cCtx.Args().First(),
						Stacktrace: cCtx.String("stacktrace"),
					}
					return newClient(cCtx).SendCrash(cCtx.Context, crash)
				},
			},
			{
				Name:  "audit-tail",
				Usage: "follow audit events from Kafka",
				Flags: []cli.Flag{
					flagKafkaBrokers,
					flagKafkaTopic,
					flagKafkaGroup,
					&cli.IntFlag{Name: "limit", Usage: "stop after n events, 0 follows forever"},
				},
				Action: func(cCtx *cli.Context) error {
					src, err := newEventSource(auditbus.Config{
						Brokers: auditbus.ParseBrokers(cCtx.String(flagKafkaBrokers.Name)),
						Topic:   cCtx.String(flagKafkaTopic.Name),
						GroupID: cCtx.String(flagKafkaGroup.Name),
					})
					if err != nil {
						return fmt.Errorf("audit bus: %w", err)
					}
					defer src.Close()
					return tailEvents(cCtx.Context, src, out, cCtx.Int("limit"))
				},
			},
			{
				Name:      "hash-password",
				Usage:     "print a bcrypt hash for ADMIN_PASSWORD_HASH or GATE2_PASSWORD_HASH",
				ArgsUsage: "<password>",
				Flags:     []cli.Flag{&cli.IntFlag{Name: "cost", Value: bcrypt.DefaultCost}},
				Action: func(cCtx *cli.Context) error {
					if cCtx.NArg() != 1 {
						return errors.New("hash-password needs <password>")
					}
					h, err := bcrypt.GenerateFromPassword([]byte(cCtx.Args().First()), cCtx.Int("cost"))
					if err != nil {
						return err
					}
					fmt.Fprintln(out, string(h))
					return nil
				},
			},
			{
				Name:  "totp-secret",
				Usage: "generate a console TOTP seed",
				Flags: []cli.Flag{&cli.StringFlag{Name: "account", Value: "operator"}},
				Action: func(cCtx *cli.Context) error {
					key, err := totp.Generate(totp.GenerateOpts{Issuer: "ZeroKeep", AccountName: cCtx.String("account")})
					if err != nil {
						return err
					}
					fmt.Fprintf(out, "secret: %s\nurl: %s\n", key.Secret(), key.URL())
					return nil
				},
			},
		},
	}
}

func newClient(cCtx *cli.Context) *apiclient.Client {
	c := apiclient.New(cCtx.String(flagServerAddr.Name), cCtx.Duration(flagTimeout.Name))
	c.APIKey = cCtx.String(flagAPIKey.Name)
	c.Secret = cCtx.String(flagSecret.Name)
	c.UserAgent = cCtx.String(flagUserAgent.Name)
	c.DeviceID = cCtx.String(flagDeviceID.Name)
	c.OwnerHash = cCtx.String(flagOwner.Name)
	return c
}

// parseOrder reads id=order pairs.
func parseOrder(args []string) ([]vault.OrderItem, error) {
	if len(args) == 0 {
		return nil, errors.New("reorder needs at least one id=order pair")
	}
	items := make([]vault.OrderItem, 0, len(args))
	for _, a := range args {
		id, raw, ok := strings.Cut(a, "=")
		if !ok {
			return nil, fmt.Errorf("bad pair %q, want id=order", a)
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("bad order in %q: %w", a, err)
		}
		items = append(items, vault.OrderItem{ID: id, Order: n})
	}
	return items, nil
}

func tailEvents(ctx context.Context, src eventSource, out io.Writer, limit int) error {
	enc := json.NewEncoder(out)
	for n := 0; limit <= 0 || n < limit; n++ {
		e, err := src.Next(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		if err := enc.Encode(e); err != nil {
			return err
		}
	}
	return nil
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
