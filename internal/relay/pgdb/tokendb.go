// Package pgdb provides the postgres backed relay TokenStore.
package pgdb

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"code.wakelink.org/golang/internal/relay"
)

// SharedIdentity is the identity row holding the token shared by every
// controller. Controllers authenticate with the relay API token, not with a
// per client credential.
const SharedIdentity = "*"

// PGDB is implemented by pgx.Tx, pgx.Conn & pgxpool.Pool
// accessing a postgres database through this common interface simplifies testing
type PGDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// TokenStore authenticates relay sessions against the identity table. Only
// token digests are stored.
type TokenStore struct {
	DB PGDB
}

//go:embed token_schema.sql
var schemaScriptTpl string

// RenderSchemaScript returns the schema creation script for dbschema.
func RenderSchemaScript(dbschema string) string {
	schemaName := pgx.Identifier{dbschema}.Sanitize()
	schemaOwner := pgx.Identifier{fmt.Sprintf("%s_owner", dbschema)}.Sanitize()
	script := strings.ReplaceAll(schemaScriptTpl, "${schema_name}", schemaName)
	return strings.ReplaceAll(script, "${schema_owner}", schemaOwner)
}

// TokenStoreMigrate creates the token store schema.
func TokenStoreMigrate(pgconn *pgx.Conn, dbschema string) error {
	_, err := pgconn.Exec(context.Background(), RenderSchemaScript(dbschema))
	return wrapError(err, "Failed db schema initialization") // nil if err is nil...
}

// NewTokenStore returns a TokenStore backed by a connection pool on dsn.
func NewTokenStore(ctx context.Context, dsn string) (*TokenStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if nil != err {
		return nil, wrapError(err, "failed connection pool creation")
	}

	return &TokenStore{DB: pool}, nil
}

var _ relay.TokenStore = &TokenStore{}

// SaveToken registers token for (role, id), replacing any previous token.
func (self *TokenStore) SaveToken(ctx context.Context, role relay.Role, id string, token string) error {
	if "" == id || "" == token {
		return newError("missing identity or token")
	}
	digest := sha256.Sum256([]byte(token))
	_, err := self.DB.Exec(
		ctx,
		`INSERT INTO identity(role, identity, token_hash) VALUES ($1, $2, $3)
		 ON CONFLICT (role, identity) DO UPDATE SET
		 token_hash = EXCLUDED.token_hash`,
		string(role),
		id,
		digest[:],
	)

	return wrapError(err, "failed saving token") // nil if err is nil...
}

// RemoveToken removes the token for (role, id).
// It errors if no such identity exists.
func (self *TokenStore) RemoveToken(ctx context.Context, role relay.Role, id string) error {
	var deleted int
	row := self.DB.QueryRow(
		ctx,
		`WITH deleted AS (DELETE FROM identity WHERE role = $1 AND identity = $2 RETURNING id)
		 SELECT count(id) FROM deleted`,
		string(role),
		id,
	)
	err := row.Scan(&deleted)
	if nil != err {
		return wrapError(err, "failed DELETE query")
	}
	if 0 == deleted {
		return wrapError(ErrNotFound, "unknown identity")
	}

	return nil
}

// CheckEndpointToken reports whether token authenticates the endpoint id. An
// endpoint with no dedicated row falls back to the shared token.
func (self *TokenStore) CheckEndpointToken(ctx context.Context, id string, token string) (bool, error) {
	ok, err := self.check(ctx, relay.RoleEndpoint, id, token)
	if nil != err && errors.Is(err, ErrNotFound) {
		return self.check(ctx, relay.RoleController, SharedIdentity, token)
	}
	return ok, err
}

// CheckControllerToken reports whether token authenticates a controller.
func (self *TokenStore) CheckControllerToken(ctx context.Context, id string, token string) (bool, error) {
	ok, err := self.check(ctx, relay.RoleController, id, token)
	if nil != err && errors.Is(err, ErrNotFound) {
		return self.check(ctx, relay.RoleController, SharedIdentity, token)
	}
	return ok, err
}

func (self *TokenStore) check(ctx context.Context, role relay.Role, id string, token string) (bool, error) {
	var want []byte
	row := self.DB.QueryRow(
		ctx,
		`SELECT token_hash FROM identity WHERE role = $1 AND identity = $2`,
		string(role),
		id,
	)
	err := row.Scan(&want)
	if nil != err {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, wrapError(ErrNotFound, "unknown identity")
		}
		return false, wrapError(err, "failed token query")
	}

	digest := sha256.Sum256([]byte(token))
	return 1 == subtle.ConstantTimeCompare(want, digest[:]), nil
}
