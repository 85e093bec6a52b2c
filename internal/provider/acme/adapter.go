// Package acme is the provider adapter for ACME certificate authorities
// (Let's Encrypt, Google Trust Services, ZeroSSL). Orders are driven step
// by step so every call returns quickly; the certificate key is generated
// here and only a CSR is sent to the CA.
package acme

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/go-acme/lego/v4/challenge"
	"github.com/go-acme/lego/v4/challenge/dns01"
	"github.com/sirupsen/logrus"
	xacme "golang.org/x/crypto/acme"

	"go_certorch/internal/cache"
	"go_certorch/internal/certerr"
	"go_certorch/internal/domainutil"
	"go_certorch/internal/model"
	"go_certorch/internal/provider"
)

// Config defines one ACME provider
type Config struct {
	Name         string
	DirectoryURL string
	Email        string
	EABKeyID     string // external account binding, required by some CAs
	EABHMACKey   string // base64url, as the CA hands it out
	KeyType      certcrypto.KeyType
	// PropagationDelay is how long a presented record is given before the
	// challenge is accepted, when the record cannot be seen in DNS yet
	PropagationDelay time.Duration
	StateTTL         time.Duration
}

// Adapter implements provider.Adapter on golang.org/x/crypto/acme
type Adapter struct {
	cfg    Config
	client *xacme.Client
	solver challenge.Provider // nil means the subscriber publishes records themselves
	orders *orderStore
	logger *logrus.Entry

	mu         sync.Mutex
	registered bool

	now       func() time.Time
	lookupTXT func(ctx context.Context, name string) ([]string, error)
}

// New creates an ACME adapter. solver may be nil.
func New(cfg Config, kv cache.KV, solver challenge.Provider, logger *logrus.Entry) (*Adapter, error) {
	if cfg.Name == "" {
		cfg.Name = "acme"
	}
	if cfg.DirectoryURL == "" {
		return nil, fmt.Errorf("acme provider %s: directory url is required", cfg.Name)
	}
	if cfg.KeyType == "" {
		cfg.KeyType = certcrypto.EC256
	}
	if cfg.PropagationDelay <= 0 {
		cfg.PropagationDelay = 60 * time.Second
	}
	if cfg.StateTTL <= 0 {
		cfg.StateTTL = 120 * 24 * time.Hour
	}
	if kv == nil {
		return nil, fmt.Errorf("acme provider %s: a key store is required", cfg.Name)
	}
	return &Adapter{
		cfg:    cfg,
		client: &xacme.Client{DirectoryURL: cfg.DirectoryURL, UserAgent: "go_certorch"},
		solver: solver,
		orders: &orderStore{kv: kv, prefix: "acme:" + cfg.Name + ":", ttl: cfg.StateTTL},
		logger: logger.WithFields(logrus.Fields{"component": "acme-provider", "provider": cfg.Name}),
		now:    time.Now,
		lookupTXT: func(ctx context.Context, name string) ([]string, error) {
			return net.DefaultResolver.LookupTXT(ctx, name)
		},
	}, nil
}

func (a *Adapter) Name() string { return a.cfg.Name }

func (a *Adapter) SupportedCertificateTypes() []string {
	return []string{model.CertificateTypeDV, model.CertificateTypeDVWildcard}
}

func (a *Adapter) ValidateDomains(domains []string) map[string]error {
	out := make(map[string]error, len(domains))
	for _, d := range domains {
		if _, err := domainutil.CheckIssuable(d); err != nil {
			out[d] = err
		}
	}
	return out
}

// ensureAccount loads or creates the account key and registers it once
func (a *Adapter) ensureAccount(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.registered {
		return nil
	}

	if a.client.Key == nil {
		key, err := a.accountKey(ctx)
		if err != nil {
			return err
		}
		a.client.Key = key
	}

	acct := &xacme.Account{}
	if a.cfg.Email != "" {
		acct.Contact = []string{"mailto:" + a.cfg.Email}
	}
	if a.cfg.EABKeyID != "" {
		hmacKey, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(a.cfg.EABHMACKey, "="))
		if err != nil {
			return certerr.Invalid("eabHmacKey", "not base64url: %v", err)
		}
		acct.ExternalAccountBinding = &xacme.ExternalAccountBinding{KID: a.cfg.EABKeyID, Key: hmacKey}
	}
	if _, err := a.client.Register(ctx, acct, xacme.AcceptTOS); err != nil && !errors.Is(err, xacme.ErrAccountAlreadyExists) {
		return translate(a.cfg.Name, fmt.Errorf("register account: %w", err))
	}
	a.registered = true
	a.logger.Info("ACME account ready")
	return nil
}

func (a *Adapter) accountKey(ctx context.Context) (crypto.Signer, error) {
	stored, err := a.orders.accountKey(ctx)
	if err != nil {
		return nil, &certerr.ProviderUnavailableError{Provider: a.cfg.Name, Err: fmt.Errorf("load account key: %w", err)}
	}
	if stored == nil {
		key, err := certcrypto.GeneratePrivateKey(certcrypto.EC256)
		if err != nil {
			return nil, fmt.Errorf("generate account key: %w", err)
		}
		fresh, err := a.orders.saveAccountKey(ctx, certcrypto.PEMEncode(key))
		if err != nil {
			return nil, &certerr.ProviderUnavailableError{Provider: a.cfg.Name, Err: fmt.Errorf("save account key: %w", err)}
		}
		if fresh {
			return key.(crypto.Signer), nil
		}
		// another instance won the race, use its key
		if stored, err = a.orders.accountKey(ctx); err != nil || stored == nil {
			return nil, &certerr.ProviderUnavailableError{Provider: a.cfg.Name, Err: fmt.Errorf("reload account key: %v", err)}
		}
	}
	key, err := certcrypto.ParsePEMPrivateKey(stored)
	if err != nil {
		return nil, fmt.Errorf("parse account key: %w", err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("account key of type %T cannot sign", key)
	}
	return signer, nil
}

func (a *Adapter) CreateCertificate(ctx context.Context, domains []string, _ provider.CreateOptions) (*provider.CreateResult, error) {
	if len(domains) == 0 {
		return nil, certerr.Invalid("domains", "at least one domain is required")
	}
	if err := a.ensureAccount(ctx); err != nil {
		return nil, err
	}

	order, err := a.client.AuthorizeOrder(ctx, xacme.DomainIDs(domains...))
	if err != nil {
		return nil, translate(a.cfg.Name, fmt.Errorf("new order: %w", err))
	}

	key, err := certcrypto.GeneratePrivateKey(a.cfg.KeyType)
	if err != nil {
		return nil, fmt.Errorf("generate certificate key: %w", err)
	}
	st := &orderState{
		Domains:   domains,
		KeyPEM:    certcrypto.PEMEncode(key),
		CreatedAt: a.now(),
	}
	if err := a.orders.save(ctx, order.URI, st); err != nil {
		return nil, &certerr.ProviderUnavailableError{Provider: a.cfg.Name, Err: fmt.Errorf("save order state: %w", err)}
	}

	a.logger.WithFields(logrus.Fields{"order": order.URI, "domains": domains}).Info("ACME order created")
	return &provider.CreateResult{ProviderCertificateID: order.URI, InitialStatus: provider.StatusPending}, nil
}

// dnsChallenge picks the dns-01 challenge of authz
func dnsChallenge(authz *xacme.Authorization) *xacme.Challenge {
	for _, c := range authz.Challenges {
		if c.Type == "dns-01" {
			return c
		}
	}
	return nil
}

func (a *Adapter) keyAuth(token string) (string, error) {
	thumb, err := xacme.JWKThumbprint(a.client.Key.Public())
	if err != nil {
		return "", err
	}
	return token + "." + thumb, nil
}

func (a *Adapter) GetValidationInstructions(ctx context.Context, id string) ([]provider.ChallengeDescriptor, error) {
	if err := a.ensureAccount(ctx); err != nil {
		return nil, err
	}
	order, err := a.client.GetOrder(ctx, id)
	if err != nil {
		return nil, translate(a.cfg.Name, err)
	}

	var out []provider.ChallengeDescriptor
	for _, u := range order.AuthzURLs {
		authz, err := a.client.GetAuthorization(ctx, u)
		if err != nil {
			return nil, translate(a.cfg.Name, err)
		}
		if authz.Status != xacme.StatusPending {
			continue
		}
		chal := dnsChallenge(authz)
		if chal == nil {
			return nil, &certerr.ProviderRequestError{Provider: a.cfg.Name, Err: fmt.Errorf("no dns-01 challenge offered for %s", authz.Identifier.Value)}
		}
		ka, err := a.keyAuth(chal.Token)
		if err != nil {
			return nil, err
		}
		info := dns01.GetChallengeInfo(authz.Identifier.Value, ka)

		domain := authz.Identifier.Value
		if authz.Wildcard {
			domain = "*." + domain
		}
		expires := authz.Expires
		if expires.IsZero() {
			expires = order.Expires
		}
		out = append(out, provider.ChallengeDescriptor{
			Domain:      domain,
			Type:        model.ChallengeTypeDNS01,
			Token:       chal.Token,
			RecordName:  strings.TrimSuffix(info.FQDN, "."),
			RecordType:  "TXT",
			RecordValue: info.Value,
			URL:         chal.URI,
			ExpiresAt:   expires,
		})
	}
	return out, nil
}

func (a *Adapter) GetCertificateStatus(ctx context.Context, id string) (*provider.StatusSnapshot, error) {
	if err := a.ensureAccount(ctx); err != nil {
		return nil, err
	}
	st, err := a.orders.load(ctx, id)
	if err != nil {
		return nil, err
	}
	order, err := a.client.GetOrder(ctx, id)
	if err != nil {
		return nil, translate(a.cfg.Name, err)
	}
	snap := &provider.StatusSnapshot{ProviderCertificateID: id}

	switch order.Status {
	case xacme.StatusPending:
		failure, err := a.advance(ctx, id, st, order)
		if err != nil {
			return nil, err
		}
		if failure != "" {
			a.cleanup(ctx, id, st, order)
			snap.Status, snap.Error = provider.StatusFailed, failure
			return snap, nil
		}
		snap.Status = provider.StatusPending

	case xacme.StatusReady:
		if err := a.finalize(ctx, id, st, order); err != nil {
			return nil, err
		}
		return issuedSnapshot(st, snap)

	case xacme.StatusProcessing:
		snap.Status = provider.StatusValidated

	case xacme.StatusValid:
		if len(st.ChainPEM) == 0 {
			if err := a.fetch(ctx, id, st, order.CertURL); err != nil {
				return nil, err
			}
		}
		a.cleanup(ctx, id, st, order)
		return issuedSnapshot(st, snap)

	case xacme.StatusInvalid:
		a.cleanup(ctx, id, st, order)
		snap.Status = provider.StatusFailed
		if order.Error != nil {
			snap.Error = problemText(order.Error)
		} else {
			snap.Error = a.authzFailure(ctx, order)
		}

	default:
		snap.Status = provider.StatusFailed
		snap.Error = fmt.Sprintf("order is %s", order.Status)
	}
	return snap, nil
}

func issuedSnapshot(st *orderState, snap *provider.StatusSnapshot) (*provider.StatusSnapshot, error) {
	leaf, err := certcrypto.ParsePEMCertificate(st.ChainPEM)
	if err != nil {
		return nil, fmt.Errorf("parse issued certificate: %w", err)
	}
	snap.Status = provider.StatusIssued
	snap.IssuedAt = model.TPtr(leaf.NotBefore)
	snap.ExpiresAt = model.TPtr(leaf.NotAfter)
	return snap, nil
}

// advance presents records and accepts challenges whose records are up.
// It returns the CA's reason when an authorization already failed.
func (a *Adapter) advance(ctx context.Context, id string, st *orderState, order *xacme.Order) (string, error) {
	dirty := false
	defer func() {
		if dirty {
			if err := a.orders.save(ctx, id, st); err != nil {
				a.logger.WithError(err).WithField("order", id).Warn("failed to save order state")
			}
		}
	}()

	for _, u := range order.AuthzURLs {
		authz, err := a.client.GetAuthorization(ctx, u)
		if err != nil {
			return "", translate(a.cfg.Name, err)
		}
		switch authz.Status {
		case xacme.StatusInvalid:
			if chal := dnsChallenge(authz); chal != nil && chal.Error != nil {
				return problemText(chal.Error), nil
			}
			return fmt.Sprintf("authorization for %s is invalid", authz.Identifier.Value), nil
		case xacme.StatusPending:
		default:
			continue
		}

		chal := dnsChallenge(authz)
		if chal == nil || chal.Status != xacme.StatusPending || st.Accepted[chal.URI] {
			continue
		}
		ka, err := a.keyAuth(chal.Token)
		if err != nil {
			return "", err
		}
		info := dns01.GetChallengeInfo(authz.Identifier.Value, ka)

		presentedAt, presented := st.Presented[chal.URI]
		if a.solver != nil && !presented {
			if err := a.solver.Present(authz.Identifier.Value, chal.Token, ka); err != nil {
				return "", &certerr.ProviderUnavailableError{Provider: a.cfg.Name, Err: fmt.Errorf("present dns record: %w", err)}
			}
			if st.Presented == nil {
				st.Presented = make(map[string]time.Time)
			}
			presentedAt, presented = a.now(), true
			st.Presented[chal.URI] = presentedAt
			dirty = true
		}

		if !a.recordVisible(ctx, info.FQDN, info.Value) &&
			!(presented && a.now().Sub(presentedAt) >= a.cfg.PropagationDelay) {
			continue
		}
		if _, err := a.client.Accept(ctx, chal); err != nil {
			return "", translate(a.cfg.Name, fmt.Errorf("accept challenge: %w", err))
		}
		if st.Accepted == nil {
			st.Accepted = make(map[string]bool)
		}
		st.Accepted[chal.URI] = true
		dirty = true
		a.logger.WithFields(logrus.Fields{"order": id, "domain": authz.Identifier.Value}).Info("challenge accepted")
	}
	return "", nil
}

func (a *Adapter) recordVisible(ctx context.Context, fqdn, value string) bool {
	lctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	records, err := a.lookupTXT(lctx, fqdn)
	if err != nil {
		return false
	}
	for _, r := range records {
		if r == value {
			return true
		}
	}
	return false
}

func (a *Adapter) authzFailure(ctx context.Context, order *xacme.Order) string {
	for _, u := range order.AuthzURLs {
		authz, err := a.client.GetAuthorization(ctx, u)
		if err != nil {
			continue
		}
		for _, c := range authz.Challenges {
			if c.Error != nil {
				return problemText(c.Error)
			}
		}
	}
	return "order is invalid"
}

// finalize sends the CSR for a ready order
func (a *Adapter) finalize(ctx context.Context, id string, st *orderState, order *xacme.Order) error {
	key, err := certcrypto.ParsePEMPrivateKey(st.KeyPEM)
	if err != nil {
		return fmt.Errorf("parse certificate key: %w", err)
	}
	csr, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject:  pkix.Name{CommonName: st.Domains[0]},
		DNSNames: st.Domains,
	}, key)
	if err != nil {
		return fmt.Errorf("create csr: %w", err)
	}

	der, _, err := a.client.CreateOrderCert(ctx, order.FinalizeURL, csr, true)
	if err != nil {
		return translate(a.cfg.Name, fmt.Errorf("finalize order: %w", err))
	}
	now := a.now()
	st.ChainPEM = encodeChain(der)
	st.FinalizedAt = &now
	if err := a.orders.save(ctx, id, st); err != nil {
		return &certerr.ProviderUnavailableError{Provider: a.cfg.Name, Err: fmt.Errorf("save issued chain: %w", err)}
	}
	a.logger.WithField("order", id).Info("ACME order finalized")
	return nil
}

func (a *Adapter) fetch(ctx context.Context, id string, st *orderState, certURL string) error {
	if certURL == "" {
		return &certerr.InvalidStateError{Current: "valid", Operation: "fetch certificate without url"}
	}
	der, err := a.client.FetchCert(ctx, certURL, true)
	if err != nil {
		return translate(a.cfg.Name, fmt.Errorf("fetch certificate: %w", err))
	}
	st.ChainPEM = encodeChain(der)
	if err := a.orders.save(ctx, id, st); err != nil {
		a.logger.WithError(err).WithField("order", id).Warn("failed to cache issued chain")
	}
	return nil
}

// cleanup removes presented records once the order is settled. Best effort.
func (a *Adapter) cleanup(ctx context.Context, id string, st *orderState, order *xacme.Order) {
	if a.solver == nil || st.CleanedUp || len(st.Presented) == 0 {
		return
	}
	for _, u := range order.AuthzURLs {
		authz, err := a.client.GetAuthorization(ctx, u)
		if err != nil {
			continue
		}
		chal := dnsChallenge(authz)
		if chal == nil {
			continue
		}
		if _, ok := st.Presented[chal.URI]; !ok {
			continue
		}
		ka, err := a.keyAuth(chal.Token)
		if err != nil {
			continue
		}
		if err := a.solver.CleanUp(authz.Identifier.Value, chal.Token, ka); err != nil {
			a.logger.WithError(err).WithField("domain", authz.Identifier.Value).Warn("failed to clean up dns record")
		}
	}
	st.CleanedUp = true
	if err := a.orders.save(ctx, id, st); err != nil {
		a.logger.WithError(err).WithField("order", id).Warn("failed to save order state")
	}
}

func (a *Adapter) DownloadCertificate(ctx context.Context, id string) (*provider.Bundle, error) {
	st, err := a.orders.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(st.ChainPEM) == 0 {
		if err := a.ensureAccount(ctx); err != nil {
			return nil, err
		}
		order, err := a.client.GetOrder(ctx, id)
		if err != nil {
			return nil, translate(a.cfg.Name, err)
		}
		if order.Status != xacme.StatusValid {
			return nil, &certerr.InvalidStateError{Current: order.Status, Operation: "download certificate"}
		}
		if err := a.fetch(ctx, id, st, order.CertURL); err != nil {
			return nil, err
		}
	}

	leafPEM, chainPEM := splitChain(st.ChainPEM)
	leaf, err := certcrypto.ParsePEMCertificate(st.ChainPEM)
	if err != nil {
		return nil, fmt.Errorf("parse issued certificate: %w", err)
	}
	return &provider.Bundle{
		LeafPem:    leafPEM,
		ChainPem:   chainPEM,
		PrivateKey: append([]byte(nil), st.KeyPEM...),
		IssuedAt:   model.TPtr(leaf.NotBefore),
		ExpiresAt:  model.TPtr(leaf.NotAfter),
	}, nil
}

func (a *Adapter) RevokeCertificate(ctx context.Context, id string, reason provider.RevocationReason) (*provider.RevocationConfirmation, error) {
	if err := a.ensureAccount(ctx); err != nil {
		return nil, err
	}
	st, err := a.orders.load(ctx, id)
	var notFound *certerr.NotFoundError
	if errors.As(err, &notFound) {
		st, err = &orderState{}, nil
	}
	if err != nil {
		return nil, err
	}
	if len(st.ChainPEM) == 0 {
		order, err := a.client.GetOrder(ctx, id)
		if err != nil {
			return nil, translate(a.cfg.Name, err)
		}
		if err := a.fetch(ctx, id, st, order.CertURL); err != nil {
			return nil, err
		}
	}
	leaf, err := certcrypto.ParsePEMCertificate(st.ChainPEM)
	if err != nil {
		return nil, fmt.Errorf("parse issued certificate: %w", err)
	}

	if err := a.client.RevokeCert(ctx, nil, leaf.Raw, xacme.CRLReasonCode(reason.Code())); err != nil {
		return nil, translate(a.cfg.Name, fmt.Errorf("revoke certificate: %w", err))
	}
	a.logger.WithFields(logrus.Fields{"order": id, "reason": reason}).Info("certificate revoked at CA")
	return &provider.RevocationConfirmation{ProviderCertificateID: id, Reason: reason, RevokedAt: a.now()}, nil
}

// TestConnection fetches the directory itself on every call; the ACME client
// keeps the first one it discovered.
func (a *Adapter) TestConnection(ctx context.Context) provider.HealthResult {
	start := time.Now()
	err := a.fetchDirectory(ctx)
	res := provider.HealthResult{Healthy: err == nil, Latency: time.Since(start), CheckedAt: a.now()}
	if err != nil {
		res.Error = translate(a.cfg.Name, fmt.Errorf("directory: %w", err))
	}
	return res
}

func (a *Adapter) fetchDirectory(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.DirectoryURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", a.client.UserAgent)
	hc := a.client.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &certerr.ProviderUnavailableError{Provider: a.cfg.Name, Err: fmt.Errorf("status %s", resp.Status)}
	}
	var dir struct {
		NewNonce string `json:"newNonce"`
		NewOrder string `json:"newOrder"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&dir); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	if dir.NewNonce == "" || dir.NewOrder == "" {
		return errors.New("not an ACME directory")
	}
	return nil
}
