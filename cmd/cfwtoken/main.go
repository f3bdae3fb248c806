// Command cfwtoken mints bearer tokens for the callforward admin API.
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/flowpbx/callforward/internal/api/middleware"
)

func main() {
	fs := flag.NewFlagSet("cfwtoken", flag.ExitOnError)
	secret := fs.String("jwt-secret", os.Getenv("CALLFWD_JWT_SECRET"), "hex-encoded 32-byte secret shared with the service")
	subject := fs.String("subject", "", "who the token is issued to")
	role := fs.String("role", middleware.RoleAdmin, "admin or reader")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")
	fs.Parse(os.Args[1:]) //nolint:errcheck

	if *subject == "" {
		fmt.Fprintln(os.Stderr, "error: -subject is required")
		os.Exit(2)
	}

	key, err := hex.DecodeString(*secret)
	if err != nil || len(key) != 32 {
		fmt.Fprintln(os.Stderr, "error: jwt secret must be 64 hex characters")
		os.Exit(2)
	}

	token, expiresAt, err := middleware.GenerateAdminToken(key, *subject, *role, *ttl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	fmt.Fprintf(os.Stderr, "expires %s\n", expiresAt.UTC().Format(time.RFC3339))
	fmt.Println(token)
}
