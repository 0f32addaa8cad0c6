package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"lmsbridge.org/internal/sso"
)

// smoke-sso drives one full handshake against a running bridge:
// health, signed login notification, then the /auth redirect.
func main() {
	log.SetFlags(0)
	var (
		baseURL  = flag.String("base", "http://localhost:8080", "bridge base URL")
		grpcAddr = flag.String("grpc", "", "optional gRPC health address")
		clientID = flag.String("client-id", os.Getenv("BRIDGE_SMOKE_CLIENT_ID"), "client id")
		secret   = flag.String("secret", os.Getenv("BRIDGE_SMOKE_SECRET"), "client secret")
		uid      = flag.String("unique-id", "U123", "unique id with an existing account")
	)
	flag.Parse()
	if *secret == "" {
		log.Fatal("missing client secret: provide via -secret or BRIDGE_SMOKE_SECRET")
	}
	base := strings.TrimRight(*baseURL, "/")

	client := &http.Client{
		Timeout:       10 * time.Second,
		CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
	}

	resp, err := client.Get(base + "/health")
	if err != nil {
		log.Fatalf("health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		log.Fatalf("health: status %d", resp.StatusCode)
	}

	if *grpcAddr != "" {
		checkGRPC(*grpcAddr)
	}

	fields := url.Values{
		sso.FieldUniqueID:  {*uid},
		sso.FieldTimestamp: {strconv.FormatInt(time.Now().Unix(), 10)},
	}
	if *clientID != "" {
		fields.Set(sso.FieldClientID, *clientID)
	}
	body := map[string]string{"request_signature": sso.SignNotification(fields, *secret)}
	for k := range fields {
		body[k] = fields.Get(k)
	}
	payload, _ := json.Marshal(body)

	resp, err = client.Post(base+"/login-notify", "application/json", bytes.NewReader(payload))
	if err != nil {
		log.Fatalf("login-notify: %v", err)
	}
	var grant struct {
		RedirectURL string `json:"redirect_url"`
		ExpiresAt   string `json:"expires_at"`
		Error       string `json:"error"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&grant)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		log.Fatalf("login-notify: status %d (%s)", resp.StatusCode, grant.Error)
	}

	resp, err = client.Get(grant.RedirectURL)
	if err != nil {
		log.Fatalf("auth: %v", err)
	}
	resp.Body.Close()
	loc := resp.Header.Get("Location")
	if resp.StatusCode != http.StatusFound || loc == "" || strings.HasSuffix(loc, "/error") {
		log.Fatalf("auth: unexpected response %d location=%q", resp.StatusCode, loc)
	}

	fmt.Printf("sso smoke test passed: %s -> %s (token expires %s)\n", *uid, loc, grant.ExpiresAt)
}

func checkGRPC(addr string) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		log.Fatalf("grpc dial %s: %v", addr, err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		log.Fatalf("grpc health: %v", err)
	}
	if res.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		log.Fatalf("grpc health: %v", res.GetStatus())
	}
}
