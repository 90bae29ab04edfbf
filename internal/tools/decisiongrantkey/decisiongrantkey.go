// Package decisiongrantkey generates the keypair that signs decision links.
package decisiongrantkey

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	entrypoint "github.com/louisbranch/dispatch/internal/platform/cmd"
	"github.com/louisbranch/dispatch/internal/platform/config"
	"github.com/louisbranch/dispatch/internal/services/dispatch/decision"
)

// Options are the grant claim settings exported next to the generated keys.
type Options struct {
	Issuer   string
	Audience string
	Grace    time.Duration
}

// ParseOptions reads claim settings from flags, defaulting to the values the
// dispatch service assumes when the variables are unset.
func ParseOptions(fs *flag.FlagSet, args []string) (Options, error) {
	opts := Options{
		Issuer:   decision.DefaultGrantIssuer,
		Audience: decision.DefaultGrantAudience,
		Grace:    decision.DefaultGrantGrace,
	}
	if fs == nil {
		return Options{}, errors.New("flag parser is required")
	}
	fs.StringVar(&opts.Issuer, "issuer", opts.Issuer, "issuer claim of decision grants")
	fs.StringVar(&opts.Audience, "audience", opts.Audience, "audience claim of decision grants")
	fs.DurationVar(&opts.Grace, "grace", opts.Grace, "how long a grant stays valid past the routing deadline")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return Options{}, err
		}
		return Options{}, config.UsageError{Err: err}
	}
	return opts, nil
}

func (o Options) normalized() (Options, error) {
	o.Issuer = strings.TrimSpace(o.Issuer)
	o.Audience = strings.TrimSpace(o.Audience)
	if o.Issuer == "" {
		o.Issuer = decision.DefaultGrantIssuer
	}
	if o.Audience == "" {
		o.Audience = decision.DefaultGrantAudience
	}
	if strings.ContainsAny(o.Issuer+o.Audience, " \t\n'\"$`\\") {
		return Options{}, errors.New("issuer and audience must not contain whitespace or shell metacharacters")
	}
	if o.Grace < 0 {
		return Options{}, errors.New("grace must not be negative")
	}
	return o, nil
}

// Run generates a decision grant key pair and writes shell exports for every
// variable the dispatch service reads to sign and verify grants. The header
// line names the key id that issued grants carry.
func Run(out io.Writer, reader io.Reader, opts Options) error {
	if out == nil {
		return errors.New("output is required")
	}
	opts, err := opts.normalized()
	if err != nil {
		return err
	}
	if reader == nil {
		reader = rand.Reader
	}
	publicKey, privateKey, err := ed25519.GenerateKey(reader)
	if err != nil {
		return fmt.Errorf("generate decision grant key: %w", err)
	}
	lines := []string{
		fmt.Sprintf("# dispatch decision grant key %s", decision.KeyID(publicKey)),
		fmt.Sprintf("export %s=%s", decision.EnvGrantIssuer, opts.Issuer),
		fmt.Sprintf("export %s=%s", decision.EnvGrantAudience, opts.Audience),
		fmt.Sprintf("export %s=%s", decision.EnvGrantGrace, opts.Grace),
		fmt.Sprintf("export %s=%s", decision.EnvGrantPrivateKey, base64.RawStdEncoding.EncodeToString(privateKey)),
		fmt.Sprintf("export %s=%s", decision.EnvGrantPublicKey, base64.RawStdEncoding.EncodeToString(publicKey)),
	}
	if _, err := io.WriteString(out, strings.Join(lines, "\n")+"\n"); err != nil {
		return err
	}
	return nil
}
