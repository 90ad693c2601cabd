// Command spacedctl is a thin administrative CLI, not a full shell: it
// issues object credential tokens and answers one-shot OSeg lookups
// against a running deployment's backing store, for operators and
// integration tests. Subcommand dispatch and flag parsing use stdlib
// flag.FlagSet per subcommand -- no cobra or other CLI framework.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/sirikata/spaced/cmn/cos"
	"github.com/sirikata/spaced/conn"
	"github.com/sirikata/spaced/oseg"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	var err error
	switch os.Args[1] {
	case "issue-token":
		err = runIssueToken(os.Args[2:])
	case "oseg-lookup":
		err = runOSegLookup(os.Args[2:])
	case "help", "-h", "--help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "spacedctl: unknown subcommand %q\n", os.Args[1])
		usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "spacedctl: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage:
  spacedctl issue-token -oid <hex> -secret <jwt-secret> [-ttl 1h]
  spacedctl oseg-lookup -oid <hex> [-store <buntdb-path>|-redis <host:port>] -prefix <prefix>`)
}

func runIssueToken(args []string) error {
	fs := flag.NewFlagSet("issue-token", flag.ContinueOnError)
	oidHex := fs.String("oid", "", "object id, hex-encoded")
	secret := fs.String("secret", "", "JWT signing secret (must match the server's jwt_secret)")
	ttl := fs.Duration("ttl", time.Hour, "token validity duration")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *oidHex == "" || *secret == "" {
		return fmt.Errorf("issue-token: -oid and -secret are required")
	}
	oid, err := cos.ParseOID(*oidHex)
	if err != nil {
		return fmt.Errorf("issue-token: invalid -oid: %w", err)
	}
	tok, err := conn.IssueCredential(oid, []byte(*secret), *ttl)
	if err != nil {
		return fmt.Errorf("issue-token: %w", err)
	}
	fmt.Println(tok)
	return nil
}

type lookupResult struct {
	OID    string  `json:"oid"`
	Server uint32  `json:"server"`
	Radius float64 `json:"radius"`
}

func runOSegLookup(args []string) error {
	fs := flag.NewFlagSet("oseg-lookup", flag.ContinueOnError)
	oidHex := fs.String("oid", "", "object id, hex-encoded")
	storePath := fs.String("store", "", "BuntDB backing-store path")
	redisAddr := fs.String("redis", "", "Redis-compatible backing-store address")
	prefix := fs.String("prefix", "oseg:", "directory key prefix")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *oidHex == "" {
		return fmt.Errorf("oseg-lookup: -oid is required")
	}
	if *storePath == "" && *redisAddr == "" {
		return fmt.Errorf("oseg-lookup: one of -store or -redis is required")
	}
	oid, err := cos.ParseOID(*oidHex)
	if err != nil {
		return fmt.Errorf("oseg-lookup: invalid -oid: %w", err)
	}

	var store oseg.Store
	if *redisAddr != "" {
		store, err = oseg.NewRedisStore(*redisAddr)
	} else {
		store, err = oseg.NewBuntStore(*storePath)
	}
	if err != nil {
		return fmt.Errorf("oseg-lookup: open store: %w", err)
	}
	defer store.Close()

	dir := oseg.NewDirectory(0, *prefix, store, 1)
	type outcome struct {
		e   oseg.Entry
		err error
	}
	ch := make(chan outcome, 1)
	if e, ok := dir.Lookup(context.Background(), oid, func(e oseg.Entry, err error) {
		ch <- outcome{e, err}
	}); ok {
		ch <- outcome{e, nil}
	}
	res := <-ch
	if res.err != nil {
		return fmt.Errorf("oseg-lookup: %w", res.err)
	}

	b, err := jsoniter.MarshalIndent(lookupResult{
		OID:    oid.Hex(),
		Server: uint32(res.e.Server),
		Radius: res.e.Radius,
	}, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}
