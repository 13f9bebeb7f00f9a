// Command ogxctl validates OGx messages offline and drives the gateway's
// operator API.
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	grpcserver "github.com/and161185/ogx-gateway/internal/server/grpc"
)

// ---- operator token store ----

type tokenFile struct {
	ClientID    string    `json:"client_id"`
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func cfgDir() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return filepath.Join(v, "ogxctl")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "ogxctl")
}

func tokenPath() string { return filepath.Join(cfgDir(), "token.json") }

func saveToken(tf tokenFile) error {
	if err := os.MkdirAll(cfgDir(), 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(tokenPath(), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(tf)
}

func loadToken() (string, error) {
	if v := os.Getenv("OGXCTL_TOKEN"); v != "" {
		return v, nil
	}
	b, err := os.ReadFile(tokenPath())
	if err != nil {
		return "", err
	}
	var tf tokenFile
	if err := json.Unmarshal(b, &tf); err != nil {
		return "", err
	}
	if tf.AccessToken == "" || time.Now().After(tf.ExpiresAt) {
		return "", errors.New("no valid operator token (run ogxctl token)")
	}
	return tf.AccessToken, nil
}

// ---- grpc dial ----

type bearerCreds struct {
	token  string
	secure bool
}

func (b bearerCreds) GetRequestMetadata(context.Context, ...string) (map[string]string, error) {
	return map[string]string{"authorization": "Bearer " + b.token}, nil
}
func (b bearerCreds) RequireTransportSecurity() bool { return b.secure }

type dialOpts struct {
	addr      string
	caPath    string
	insecure  bool
	plaintext bool
}

func loadTLS(caPath string, skipVerify bool) (credentials.TransportCredentials, error) {
	if skipVerify {
		return credentials.NewTLS(&tls.Config{InsecureSkipVerify: true}), nil
	}
	if caPath == "" {
		return credentials.NewClientTLSFromCert(nil, ""), nil
	}
	pem, err := os.ReadFile(caPath)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.New("bad CA cert")
	}
	return credentials.NewTLS(&tls.Config{RootCAs: pool}), nil
}

func dial(o dialOpts, bearer string) (*grpc.ClientConn, *grpcserver.Client, error) {
	tc := insecure.NewCredentials()
	if !o.plaintext {
		var err error
		if tc, err = loadTLS(o.caPath, o.insecure); err != nil {
			return nil, nil, err
		}
	}
	opts := []grpc.DialOption{grpc.WithTransportCredentials(tc)}
	if bearer != "" {
		opts = append(opts, grpc.WithPerRPCCredentials(bearerCreds{token: bearer, secure: !o.plaintext}))
	}
	cc, err := grpc.NewClient(o.addr, opts...)
	if err != nil {
		return nil, nil, err
	}
	return cc, grpcserver.NewClient(cc), nil
}

// ---- utils ----

func readAll(p string) ([]byte, error) {
	if p == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(p)
}

func printJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func usage() {
	fmt.Fprintf(os.Stderr, `ogxctl
Usage:
  ogxctl [-addr HOST:PORT] [-cacert file | -insecure | -plaintext] <cmd> [args]

Offline:
  version
  validate  -dir <to-mobile|from-mobile> -file <msg.json> [-enums file.yaml]
  size      -dir <to-mobile|from-mobile> -file <msg.json>

Operator API:
  token        -client <id> [-key <sign key>] [-ttl 12h]   (saves token)
  accept       -dest <terminal> -dir <direction> -file <msg.json> [-network ogx|idp] [-ttl 24h]
  get          -id <uuid>
  history      -id <uuid>
  pending      -dest <terminal>
  token-status
  check        -dir <direction> -file <msg.json>           (server-side validate)
`)
	os.Exit(2)
}

// ---- main ----

var (
	version   = "dev"
	buildDate = "unknown"
)

// main dispatches subcommands; online ones authenticate with the saved operator token.
func main() {
	// global flags
	var o dialOpts
	flag.StringVar(&o.addr, "addr", "localhost:8443", "gateway addr")
	flag.StringVar(&o.caPath, "cacert", "", "CA cert (PEM)")
	flag.BoolVar(&o.insecure, "insecure", false, "skip cert verify (dev)")
	flag.BoolVar(&o.plaintext, "plaintext", false, "no TLS (dev)")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
	}
	cmd, args := flag.Arg(0), flag.Args()[1:]

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var err error
	switch cmd {
	case "version":
		fmt.Printf("ogxctl %s (%s)\n", version, buildDate)
	case "validate":
		var ok bool
		ok, err = cmdValidate(args, os.Stdout)
		if err == nil && !ok {
			os.Exit(1)
		}
	case "size":
		err = cmdSize(args, os.Stdout)
	case "token":
		err = cmdToken(args, time.Now())
	case "accept", "get", "history", "pending", "token-status", "check":
		err = online(ctx, o, cmd, args)
	default:
		usage()
	}
	if err != nil {
		fail(err)
	}
}

func online(ctx context.Context, o dialOpts, cmd string, args []string) error {
	token, err := loadToken()
	if err != nil {
		return err
	}
	cc, cli, err := dial(o, token)
	if err != nil {
		return err
	}
	defer cc.Close()
	return runOnline(ctx, cli, cmd, args, os.Stdout)
}

func fail(err error) {
	if s, ok := status.FromError(err); ok {
		fmt.Fprintf(os.Stderr, "rpc error: code=%s msg=%s\n", s.Code(), s.Message())
		os.Exit(1)
	}
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
