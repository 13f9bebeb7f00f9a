package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"google.golang.org/grpc"
	"gopkg.in/yaml.v3"

	"github.com/and161185/ogx-gateway/internal/convert"
	"github.com/and161185/ogx-gateway/internal/ogx"
	grpcserver "github.com/and161185/ogx-gateway/internal/server/grpc"
	"github.com/and161185/ogx-gateway/internal/validation"
)

// operatorClient is the part of grpcserver.Client the online commands use.
type operatorClient interface {
	Accept(ctx context.Context, in *grpcserver.AcceptRequest, opts ...grpc.CallOption) (*convert.MessageView, error)
	GetMessage(ctx context.Context, in *grpcserver.MessageRequest, opts ...grpc.CallOption) (*convert.MessageView, error)
	History(ctx context.Context, in *grpcserver.MessageRequest, opts ...grpc.CallOption) (*grpcserver.HistoryResponse, error)
	Pending(ctx context.Context, in *grpcserver.PendingRequest, opts ...grpc.CallOption) (*convert.MessageView, error)
	TokenStatus(ctx context.Context, opts ...grpc.CallOption) (*convert.TokenView, error)
	Validate(ctx context.Context, in *grpcserver.ValidateRequest, opts ...grpc.CallOption) (*grpcserver.ValidateResponse, error)
}

var _ operatorClient = (*grpcserver.Client)(nil)

// sizeReport is printed by the size command.
type sizeReport struct {
	Size       int  `json:"size"`
	Limit      int  `json:"limit"`
	Fits       bool `json:"fits"`
	CellularOK bool `json:"cellular_ok"`
}

func loadMessage(dir, file string) (ogx.Direction, *ogx.Message, error) {
	if file == "" {
		return 0, nil, errors.New("need -file")
	}
	d, err := ogx.ParseDirection(dir)
	if err != nil {
		return 0, nil, err
	}
	raw, err := readAll(file)
	if err != nil {
		return 0, nil, err
	}
	m, err := ogx.Decode(raw)
	if err != nil {
		return 0, nil, err
	}
	return d, m, nil
}

func loadEnumerations(path string) (map[string][]string, error) {
	if path == "" {
		return nil, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var out map[string][]string
	if err := yaml.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("enumerations %s: %w", path, err)
	}
	return out, nil
}

// cmdValidate prints the validation report and reports whether the message is valid.
func cmdValidate(args []string, out io.Writer) (bool, error) {
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	dir := fs.String("dir", "to-mobile", "direction")
	file := fs.String("file", "", "message JSON ('-'=stdin)")
	enums := fs.String("enums", "", "YAML map of enum field name -> allowed values")
	if err := fs.Parse(args); err != nil {
		return false, err
	}
	d, m, err := loadMessage(*dir, *file)
	if err != nil {
		return false, err
	}
	en, err := loadEnumerations(*enums)
	if err != nil {
		return false, err
	}

	verr := validation.Validate(m, validation.Context{Direction: d, Enumerations: en})
	if verr != nil && !convert.IsValidationError(verr) {
		return false, verr
	}
	printJSON(out, grpcserver.ValidateResponse{
		Valid:      verr == nil,
		Size:       validation.Size(m),
		Limit:      ogx.MaxSize(d),
		Violations: convert.ToViolations(verr),
	})
	return verr == nil, nil
}

func cmdSize(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("size", flag.ContinueOnError)
	dir := fs.String("dir", "to-mobile", "direction")
	file := fs.String("file", "", "message JSON ('-'=stdin)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	d, m, err := loadMessage(*dir, *file)
	if err != nil {
		return err
	}
	n := validation.Size(m)
	printJSON(out, sizeReport{
		Size:       n,
		Limit:      ogx.MaxSize(d),
		Fits:       validation.ValidateSize(m, d) == nil,
		CellularOK: n <= ogx.MaxCellularBytes,
	})
	return nil
}

func cmdToken(args []string, now time.Time) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	client := fs.String("client", "", "gateway client id")
	key := fs.String("key", os.Getenv("OGX_OPERATOR_KEY"), "operator signing key")
	ttl := fs.Duration("ttl", 12*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *client == "" || *key == "" {
		return errors.New("need -client and -key (or OGX_OPERATOR_KEY)")
	}
	tok, err := grpcserver.IssueOperatorToken(*client, []byte(*key), *ttl, now)
	if err != nil {
		return err
	}
	if err := saveToken(tokenFile{ClientID: *client, AccessToken: tok, ExpiresAt: now.Add(*ttl)}); err != nil {
		return err
	}
	fmt.Println("ok")
	return nil
}

func runOnline(ctx context.Context, cli operatorClient, cmd string, args []string, out io.Writer) error {
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	id := fs.String("id", "", "message id (uuid)")
	dest := fs.String("dest", "", "terminal id")
	dir := fs.String("dir", "to-mobile", "direction")
	network := fs.String("network", "", "ogx or idp")
	file := fs.String("file", "", "message JSON ('-'=stdin)")
	ttl := fs.Duration("ttl", 0, "message lifetime (0 = gateway default)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var (
		v   any
		err error
	)
	switch cmd {
	case "accept", "check":
		if *file == "" {
			return errors.New("need -file")
		}
		raw, rerr := readAll(*file)
		if rerr != nil {
			return rerr
		}
		if cmd == "check" {
			v, err = cli.Validate(ctx, &grpcserver.ValidateRequest{Direction: *dir, Message: raw})
			break
		}
		if *dest == "" {
			return errors.New("need -dest")
		}
		v, err = cli.Accept(ctx, &grpcserver.AcceptRequest{
			Destination: *dest,
			Direction:   *dir,
			Network:     *network,
			TTLSeconds:  int64(ttl.Seconds()),
			Message:     raw,
		})
	case "get", "history":
		if *id == "" {
			return errors.New("need -id")
		}
		if cmd == "get" {
			v, err = cli.GetMessage(ctx, &grpcserver.MessageRequest{ID: *id})
		} else {
			v, err = cli.History(ctx, &grpcserver.MessageRequest{ID: *id})
		}
	case "pending":
		if *dest == "" {
			return errors.New("need -dest")
		}
		v, err = cli.Pending(ctx, &grpcserver.PendingRequest{Destination: *dest})
	case "token-status":
		v, err = cli.TokenStatus(ctx)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
	if err != nil {
		return err
	}
	printJSON(out, v)
	return nil
}
