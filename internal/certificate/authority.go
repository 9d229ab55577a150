package certificate

import (
	"context"
	"errors"
	"time"
)

var (
	ErrIssueFailed         = errors.New("certificate issuance failed")
	ErrRenewFailed         = errors.New("certificate renewal failed")
	ErrCertificateNotFound = errors.New("certificate not found")
)

type IssueOutcome string

const (
	OutcomeIssued       IssueOutcome = "issued"
	OutcomeAlreadyValid IssueOutcome = "already-valid"
)

type RenewOutcome string

const (
	OutcomeRenewed RenewOutcome = "renewed"
	OutcomeSkipped RenewOutcome = "skipped"
)

// Authority is a client of an ACME certificate authority. Certificates are
// addressed by the bare domain; names lists every host name to cover.
type Authority interface {
	Issue(ctx context.Context, names []string) (IssueOutcome, error)
	Expiry(ctx context.Context, name string) (*time.Time, error)
	Renew(ctx context.Context, name string) (RenewOutcome, error)
	Delete(ctx context.Context, name string) error
}

// ProxyRefresher is implemented by authorities that only store certificate
// files, leaving it to the proxy configuration to start serving them.
type ProxyRefresher interface {
	NeedsProxyRefresh() bool
}
