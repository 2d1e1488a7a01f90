// assurectl is the operator and payer CLI: it generates provider keys, signs
// mirror advertisements, verifies delivery traces offline and runs one paid
// call against a server.
//
// Usage:
//
//	assurectl keygen
//	assurectl sign-mirror --seed <hex> --service weather https://a.example/v1/paid/weather
//	assurectl verify-trace --call-id <id> --response-hash <hex> --delivered-at <ms> --signature <b58> --signer <b58> [--payload-file f]
//	assurectl pay --url http://localhost:8080 --service weather [--seed <hex>] [--policy policy.yaml] [--ledger]
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/mbd888/assured/internal/client"
	"github.com/mbd888/assured/internal/policy"
	"github.com/mbd888/assured/internal/trust"
)

var errVerificationFailed = errors.New("verification failed")

type command struct {
	summary string
	run     func(args []string, out io.Writer) error
}

var commands = map[string]command{
	"keygen":       {"generate an ed25519 provider key", runKeygen},
	"sign-mirror":  {"sign mirror URLs for a service", runSignMirror},
	"verify-trace": {"verify a delivery attestation offline", runVerifyTrace},
	"pay":          {"run one paid call against a server", runPay},
}

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		if !errors.Is(err, pflag.ErrHelp) {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	if len(args) == 0 {
		usage(os.Stderr)
		return pflag.ErrHelp
	}
	cmd, ok := commands[args[0]]
	if !ok {
		usage(os.Stderr)
		return fmt.Errorf("unknown command %q", args[0])
	}
	return cmd.run(args[1:], out)
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "Usage: assurectl <command> [flags]")
	for _, name := range []string{"keygen", "sign-mirror", "verify-trace", "pay"} {
		fmt.Fprintf(w, "  %-13s %s\n", name, commands[name].summary)
	}
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func signerFromSeed(seed string) (*trust.Signer, error) {
	b, err := trust.ParseSeed(seed)
	if err != nil {
		return nil, err
	}
	return trust.NewSignerFromSeed(b)
}

func runKeygen(args []string, out io.Writer) error {
	flags := pflag.NewFlagSet("keygen", pflag.ContinueOnError)
	if err := flags.Parse(args); err != nil {
		return err
	}
	s, err := trust.GenerateSigner()
	if err != nil {
		return err
	}
	return writeJSON(out, map[string]string{"seed": s.Seed(), "address": s.Address()})
}

func runSignMirror(args []string, out io.Writer) error {
	flags := pflag.NewFlagSet("sign-mirror", pflag.ContinueOnError)
	seed := flags.String("seed", os.Getenv("PROVIDER_SEED"), "provider seed (hex or base58)")
	serviceID := flags.String("service", "", "service id the mirrors serve")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if *serviceID == "" || flags.NArg() == 0 {
		return errors.New("--service and at least one mirror URL are required")
	}
	s, err := signerFromSeed(*seed)
	if err != nil {
		return err
	}
	return writeJSON(out, map[string]any{
		"serviceId": *serviceID,
		"signer":    s.Address(),
		"mirrors":   s.SignMirrors(*serviceID, flags.Args()),
	})
}

func runVerifyTrace(args []string, out io.Writer) error {
	flags := pflag.NewFlagSet("verify-trace", pflag.ContinueOnError)
	callID := flags.String("call-id", "", "call id")
	hash := flags.String("response-hash", "", "attested response hash (hex)")
	deliveredAt := flags.Int64("delivered-at", 0, "attested delivery time, unix millis")
	sig := flags.String("signature", "", "trace signature (base58)")
	signer := flags.String("signer", "", "provider public key (base58)")
	payloadFile := flags.String("payload-file", "", "optional payload to hash against --response-hash")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if *callID == "" || *hash == "" {
		return errors.New("--call-id and --response-hash are required")
	}

	checks := []trust.Check{trust.CheckTrace(*callID, *hash, *deliveredAt, *sig, *signer)}
	if *payloadFile != "" {
		payload, err := os.ReadFile(*payloadFile)
		if err != nil {
			return err
		}
		checks = append(checks, trust.CheckPayloadHash(payload, *hash))
	}

	ok := trust.AllOK(checks)
	if err := writeJSON(out, map[string]any{"verified": ok, "checks": checks}); err != nil {
		return err
	}
	if !ok {
		return errVerificationFailed
	}
	return nil
}

func runPay(args []string, out io.Writer) error {
	flags := pflag.NewFlagSet("pay", pflag.ContinueOnError)
	baseURL := flags.String("url", "http://localhost:8080", "server base URL")
	serviceID := flags.String("service", "", "service id to call")
	seed := flags.String("seed", os.Getenv("PAYER_SEED"), "payer seed (hex or base58); a fresh key when empty")
	policyFile := flags.String("policy", "", "YAML policy file")
	maxPrice := flags.Float64("max-price", 0.05, "max price when no policy file is given")
	ledger := flags.Bool("ledger", false, "lock escrow before the paid retry")
	timeout := flags.Duration("timeout", 30*time.Second, "overall timeout")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if *serviceID == "" {
		return errors.New("--service is required")
	}

	p := policy.Policy{MaxPrice: policy.Float(*maxPrice)}
	if *policyFile != "" {
		loaded, err := policy.Load(*policyFile)
		if err != nil {
			return err
		}
		p = loaded
	}

	var (
		payer *trust.Signer
		err   error
	)
	if *seed != "" {
		payer, err = signerFromSeed(*seed)
	} else {
		payer, err = trust.GenerateSigner()
	}
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	res, err := client.NewPayer(client.Config{
		BaseURL: *baseURL,
		Signer:  payer,
		Ledger:  *ledger,
		Policy:  p,
	}).Pay(ctx, *serviceID)
	if err != nil {
		return err
	}
	if err := writeJSON(out, res); err != nil {
		return err
	}
	if !res.Verified {
		return errVerificationFailed
	}
	return nil
}
