// Command devtoken mints a bearer token for local testing against the API.
package main

import (
	"flag"
	"fmt"
	"log"
	"time"

	"qrattend/internal/auth"
	"qrattend/internal/config"
)

func main() {
	subject := flag.String("sub", "U-T1", "user id to put in the token subject")
	role := flag.String("role", auth.RoleTeacher, "admin, teacher or student")
	ttl := flag.Duration("ttl", 0, "token lifetime (defaults to ACCESS_TTL)")
	flag.Parse()

	cfg := config.Load()
	if cfg.IsProduction() {
		log.Fatal("devtoken refuses to run with APP_ENV=production")
	}
	if *ttl <= 0 {
		*ttl = cfg.AccessTTL
	}

	tok, exp, err := auth.Issue(*subject, *role, cfg.JWTIssuer, cfg.JWTSigningKey, *ttl)
	if err != nil {
		log.Fatalf("issue token: %v", err)
	}
	fmt.Println(tok)
	log.Printf("expires %s", exp.Format(time.RFC3339))
}
