package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"time"

	"vaultguard/pkg/auth"
	"vaultguard/pkg/guardiansdk"
	"vaultguard/pkg/models"
	"vaultguard/pkg/statebus"

	"github.com/spf13/pflag"
)

// Testable variables for main()
var (
	osExit        = os.Exit
	nowFn         = time.Now
	newConsumerFn = func(cfg statebus.KafkaConfig) (statebus.Consumer, error) {
		return statebus.NewKafkaConsumer(cfg)
	}
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		log.Print(err)
		osExit(1)
	}
}

type command struct {
	usage string
	run   func(ctx context.Context, args []string, out io.Writer) error
}

var commands = map[string]command{
	"guardians":           {"guardians", cmdGuardians},
	"is-guardian":         {"is-guardian <identity>", cmdIsGuardian},
	"add-guardian":        {"add-guardian <identity>", cmdAddGuardian},
	"remove-guardian":     {"remove-guardian <identity>", cmdRemoveGuardian},
	"set-threshold":       {"set-threshold <n>", cmdSetThreshold},
	"initiate":            {"initiate --vault v --new-account a [--old-account a] [--reason r]", cmdInitiate},
	"approve":             {"approve <recovery-id>", transitionCmd((*guardiansdk.Client).ApproveRecovery)},
	"cancel":              {"cancel <recovery-id>", transitionCmd((*guardiansdk.Client).CancelRecovery)},
	"complete":            {"complete <recovery-id>", transitionCmd((*guardiansdk.Client).CompleteRecovery)},
	"recovery":            {"recovery <recovery-id>", cmdRecovery},
	"recoveries":          {"recoveries [--vault v] [--status s] [--limit n]", cmdRecoveries},
	"freeze":              {"freeze <vault> --duration 24h [--reason r]", cmdFreeze},
	"unfreeze":            {"unfreeze <vault>", vaultCmd((*guardiansdk.Client).Unfreeze)},
	"auto-unfreeze":       {"auto-unfreeze <vault>", vaultCmd((*guardiansdk.Client).AutoUnfreeze)},
	"freeze-status":       {"freeze-status <vault>", vaultCmd((*guardiansdk.Client).FreezeState)},
	"config":              {"config", cmdConfig},
	"set-timelock":        {"set-timelock <duration>", cmdSetTimelock},
	"set-escrow-registry": {"set-escrow-registry <ref>", configCmd((*guardiansdk.Client).SetEscrowRegistry)},
	"set-policy-manager":  {"set-policy-manager <ref>", configCmd((*guardiansdk.Client).SetPolicyManager)},
	"transfer-admin":      {"transfer-admin <identity>", configCmd((*guardiansdk.Client).TransferAdmin)},
	"authorize-upgrade":   {"authorize-upgrade <version>", configCmd((*guardiansdk.Client).AuthorizeUpgrade)},
	"events":              {"events [--after n] [--limit n]", cmdEvents},
	"verify-events":       {"verify-events", cmdVerifyEvents},
	"watch":               {"watch --brokers b1,b2 --topic t --group g [--vault v] [--max n]", cmdWatch},
	"mint-token":          {"mint-token --sub identity [--secret s] [--ttl 1h] [--iss i] [--aud a]", cmdMintToken},
}

func run(ctx context.Context, args []string, out io.Writer) error {
	if len(args) == 0 {
		usage(out)
		return errors.New("command required")
	}
	cmd, ok := commands[args[0]]
	if !ok {
		usage(out)
		return fmt.Errorf("unknown command: %s", args[0])
	}
	return cmd.run(ctx, args[1:], out)
}

func usage(out io.Writer) {
	fmt.Fprintln(out, "guardianctl commands:")
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(out, "  %s\n", commands[name].usage)
	}
	fmt.Fprintln(out, "server flags: --url (GUARDIAN_URL) --token (GUARDIAN_TOKEN) --caller (GUARDIAN_CALLER) --timeout --retries")
}

func newFlagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

type clientFlags struct {
	url     string
	token   string
	caller  string
	timeout time.Duration
	retries int
}

func addClientFlags(fs *pflag.FlagSet) *clientFlags {
	cf := &clientFlags{}
	fs.StringVar(&cf.url, "url", envOr("GUARDIAN_URL", "http://localhost:8080"), "guardiand base url")
	fs.StringVar(&cf.token, "token", os.Getenv("GUARDIAN_TOKEN"), "bearer token")
	fs.StringVar(&cf.caller, "caller", os.Getenv("GUARDIAN_CALLER"), "caller identity when the server runs with AUTH_MODE=off")
	fs.DurationVar(&cf.timeout, "timeout", 10*time.Second, "request timeout")
	fs.IntVar(&cf.retries, "retries", 2, "retries on transport errors and 5xx")
	return cf
}

func (cf *clientFlags) client() *guardiansdk.Client {
	c := guardiansdk.NewClient(cf.url, cf.timeout)
	c.AuthToken = cf.token
	c.Caller = cf.caller
	c.Retries = cf.retries
	return c
}

// parse parses args and checks the positional count.
func parse(fs *pflag.FlagSet, args []string, positional int) ([]string, error) {
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	rest := fs.Args()
	if len(rest) != positional {
		return nil, fmt.Errorf("%s: expected %d argument(s), got %d", fs.Name(), positional, len(rest))
	}
	return rest, nil
}

func envOr(k, def string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return def
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseID(raw string) (uint64, error) {
	id, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid recovery id %q", raw)
	}
	return id, nil
}

// Registry

func cmdGuardians(ctx context.Context, args []string, out io.Writer) error {
	fs := newFlagSet("guardians")
	cf := addClientFlags(fs)
	if _, err := parse(fs, args, 0); err != nil {
		return err
	}
	set, err := cf.client().Guardians(ctx)
	if err != nil {
		return err
	}
	return printJSON(out, set)
}

func cmdIsGuardian(ctx context.Context, args []string, out io.Writer) error {
	fs := newFlagSet("is-guardian")
	cf := addClientFlags(fs)
	rest, err := parse(fs, args, 1)
	if err != nil {
		return err
	}
	ok, err := cf.client().IsGuardian(ctx, rest[0])
	if err != nil {
		return err
	}
	fmt.Fprintln(out, ok)
	return nil
}

func cmdAddGuardian(ctx context.Context, args []string, out io.Writer) error {
	fs := newFlagSet("add-guardian")
	cf := addClientFlags(fs)
	rest, err := parse(fs, args, 1)
	if err != nil {
		return err
	}
	set, err := cf.client().AddGuardian(ctx, rest[0])
	if err != nil {
		return err
	}
	return printJSON(out, set)
}

func cmdRemoveGuardian(ctx context.Context, args []string, out io.Writer) error {
	fs := newFlagSet("remove-guardian")
	cf := addClientFlags(fs)
	rest, err := parse(fs, args, 1)
	if err != nil {
		return err
	}
	set, err := cf.client().RemoveGuardian(ctx, rest[0])
	if err != nil {
		return err
	}
	return printJSON(out, set)
}

func cmdSetThreshold(ctx context.Context, args []string, out io.Writer) error {
	fs := newFlagSet("set-threshold")
	cf := addClientFlags(fs)
	rest, err := parse(fs, args, 1)
	if err != nil {
		return err
	}
	n, err := strconv.Atoi(rest[0])
	if err != nil {
		return fmt.Errorf("invalid threshold %q", rest[0])
	}
	set, err := cf.client().SetThreshold(ctx, n)
	if err != nil {
		return err
	}
	return printJSON(out, set)
}

// Recovery

func cmdInitiate(ctx context.Context, args []string, out io.Writer) error {
	fs := newFlagSet("initiate")
	cf := addClientFlags(fs)
	var in guardiansdk.InitiateRequest
	fs.StringVar(&in.VaultID, "vault", "", "vault id")
	fs.StringVar(&in.OldAccount, "old-account", "", "account being replaced")
	fs.StringVar(&in.NewAccount, "new-account", "", "account to recover to")
	fs.StringVar(&in.Reason, "reason", "", "free-form reason")
	if _, err := parse(fs, args, 0); err != nil {
		return err
	}
	if strings.TrimSpace(in.VaultID) == "" || strings.TrimSpace(in.NewAccount) == "" {
		return errors.New("initiate: --vault and --new-account required")
	}
	req, err := cf.client().InitiateRecovery(ctx, in)
	if err != nil {
		return err
	}
	return printJSON(out, req)
}

type transitionFunc func(c *guardiansdk.Client, ctx context.Context, id uint64) (models.RecoveryRequest, error)

func transitionCmd(fn transitionFunc) func(context.Context, []string, io.Writer) error {
	return func(ctx context.Context, args []string, out io.Writer) error {
		fs := newFlagSet("recovery transition")
		cf := addClientFlags(fs)
		rest, err := parse(fs, args, 1)
		if err != nil {
			return err
		}
		id, err := parseID(rest[0])
		if err != nil {
			return err
		}
		req, err := fn(cf.client(), ctx, id)
		if err != nil {
			return err
		}
		return printJSON(out, req)
	}
}

func cmdRecovery(ctx context.Context, args []string, out io.Writer) error {
	return transitionCmd((*guardiansdk.Client).Recovery)(ctx, args, out)
}

func cmdRecoveries(ctx context.Context, args []string, out io.Writer) error {
	fs := newFlagSet("recoveries")
	cf := addClientFlags(fs)
	var f models.RecoveryFilter
	fs.StringVar(&f.VaultID, "vault", "", "only this vault")
	fs.StringVar(&f.Status, "status", "", "INITIATED, COMPLETED or CANCELLED")
	fs.IntVar(&f.Limit, "limit", 0, "max rows")
	if _, err := parse(fs, args, 0); err != nil {
		return err
	}
	list, err := cf.client().ListRecoveries(ctx, f)
	if err != nil {
		return err
	}
	return printJSON(out, list)
}

// Freeze

func cmdFreeze(ctx context.Context, args []string, out io.Writer) error {
	fs := newFlagSet("freeze")
	cf := addClientFlags(fs)
	duration := fs.Duration("duration", 24*time.Hour, "how long the freeze lasts")
	reason := fs.String("reason", "", "why the vault is frozen")
	rest, err := parse(fs, args, 1)
	if err != nil {
		return err
	}
	st, err := cf.client().Freeze(ctx, rest[0], *duration, *reason)
	if err != nil {
		return err
	}
	return printJSON(out, st)
}

type vaultFunc func(c *guardiansdk.Client, ctx context.Context, vaultID string) (models.FreezeState, error)

func vaultCmd(fn vaultFunc) func(context.Context, []string, io.Writer) error {
	return func(ctx context.Context, args []string, out io.Writer) error {
		fs := newFlagSet("vault")
		cf := addClientFlags(fs)
		rest, err := parse(fs, args, 1)
		if err != nil {
			return err
		}
		st, err := fn(cf.client(), ctx, rest[0])
		if err != nil {
			return err
		}
		return printJSON(out, st)
	}
}

// Config and admin

func cmdConfig(ctx context.Context, args []string, out io.Writer) error {
	fs := newFlagSet("config")
	cf := addClientFlags(fs)
	if _, err := parse(fs, args, 0); err != nil {
		return err
	}
	cfg, err := cf.client().Config(ctx)
	if err != nil {
		return err
	}
	return printJSON(out, cfg)
}

func cmdSetTimelock(ctx context.Context, args []string, out io.Writer) error {
	fs := newFlagSet("set-timelock")
	cf := addClientFlags(fs)
	rest, err := parse(fs, args, 1)
	if err != nil {
		return err
	}
	d, err := time.ParseDuration(rest[0])
	if err != nil || d < time.Second {
		return fmt.Errorf("invalid timelock %q", rest[0])
	}
	cfg, err := cf.client().SetRecoveryTimelock(ctx, d)
	if err != nil {
		return err
	}
	return printJSON(out, cfg)
}

type configFunc func(c *guardiansdk.Client, ctx context.Context, value string) (models.Config, error)

func configCmd(fn configFunc) func(context.Context, []string, io.Writer) error {
	return func(ctx context.Context, args []string, out io.Writer) error {
		fs := newFlagSet("config")
		cf := addClientFlags(fs)
		rest, err := parse(fs, args, 1)
		if err != nil {
			return err
		}
		cfg, err := fn(cf.client(), ctx, rest[0])
		if err != nil {
			return err
		}
		return printJSON(out, cfg)
	}
}

// Events

func cmdEvents(ctx context.Context, args []string, out io.Writer) error {
	fs := newFlagSet("events")
	cf := addClientFlags(fs)
	after := fs.Int64("after", 0, "return events with seq greater than this")
	limit := fs.Int("limit", 100, "page size")
	if _, err := parse(fs, args, 0); err != nil {
		return err
	}
	page, err := cf.client().Events(ctx, *after, *limit)
	if err != nil {
		return err
	}
	return printJSON(out, page)
}

func cmdVerifyEvents(ctx context.Context, args []string, out io.Writer) error {
	fs := newFlagSet("verify-events")
	cf := addClientFlags(fs)
	if _, err := parse(fs, args, 0); err != nil {
		return err
	}
	res, err := cf.client().VerifyEvents(ctx)
	if err != nil {
		return err
	}
	if err := printJSON(out, res); err != nil {
		return err
	}
	if !res.Valid {
		return errors.New("event chain is broken")
	}
	return nil
}

// cmdWatch tails the Kafka topic guardiand publishes to. It prints one JSON
// line per event and stops after --max events when set.
func cmdWatch(ctx context.Context, args []string, out io.Writer) error {
	fs := newFlagSet("watch")
	brokers := fs.String("brokers", envOr("KAFKA_BROKERS", "localhost:9092"), "comma separated brokers")
	topic := fs.String("topic", envOr("KAFKA_TOPIC", "guardian-events"), "topic")
	group := fs.String("group", envOr("KAFKA_GROUP_ID", "guardianctl"), "consumer group")
	vault := fs.String("vault", "", "only events for this vault")
	maxEvents := fs.Int("max", 0, "stop after this many events")
	if _, err := parse(fs, args, 0); err != nil {
		return err
	}
	consumer, err := newConsumerFn(statebus.KafkaConfig{
		Brokers: statebus.ParseBrokers(*brokers),
		Topic:   *topic,
		GroupID: *group,
	})
	if err != nil {
		return fmt.Errorf("kafka: %w", err)
	}
	defer consumer.Close()

	enc := json.NewEncoder(out)
	seen := 0
	for *maxEvents <= 0 || seen < *maxEvents {
		msg, err := consumer.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		if *vault != "" && string(msg.Key) != *vault {
			continue
		}
		evt, err := statebus.DecodeEvent(msg)
		if err != nil {
			log.Printf("skip message: %v", err)
			continue
		}
		if err := enc.Encode(evt); err != nil {
			return err
		}
		seen++
	}
	return nil
}

// Tokens

func cmdMintToken(ctx context.Context, args []string, out io.Writer) error {
	fs := newFlagSet("mint-token")
	sub := fs.String("sub", "", "caller identity")
	secret := fs.String("secret", os.Getenv("OIDC_HS256_SECRET"), "HS256 secret")
	ttl := fs.Duration("ttl", time.Hour, "token lifetime")
	iss := fs.String("iss", os.Getenv("OIDC_ISSUER"), "issuer")
	aud := fs.String("aud", os.Getenv("OIDC_AUDIENCE"), "audience")
	roles := fs.StringSlice("role", nil, "roles to embed")
	if _, err := parse(fs, args, 0); err != nil {
		return err
	}
	if strings.TrimSpace(*sub) == "" {
		return errors.New("mint-token: --sub required")
	}
	if *ttl <= 0 {
		return errors.New("mint-token: --ttl must be positive")
	}
	now := nowFn().UTC()
	claims := auth.TokenClaims{
		Sub:   strings.TrimSpace(*sub),
		Roles: *roles,
		Iss:   *iss,
		Iat:   now.Unix(),
		Exp:   now.Add(*ttl).Unix(),
	}
	if *aud != "" {
		claims.Aud = *aud
	}
	tok, err := auth.SignHS256(claims, *secret)
	if err != nil {
		return fmt.Errorf("mint-token: %w", err)
	}
	fmt.Fprintln(out, tok)
	return nil
}
