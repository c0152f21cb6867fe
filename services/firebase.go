package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"frogpump/config"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/db"
	"firebase.google.com/go/v4/errorutils"
	"go.uber.org/zap"
	"google.golang.org/api/option"
)

// ErrPermissionDenied marks a write rejected by the database security
// rules. The session manager interprets it as the lock having been
// taken over by another client.
var ErrPermissionDenied = errors.New("permission denied by database rules")

// Store is the slice of the realtime database the services depend on:
// a path-addressable tree with full-replace writes, merge patches and
// transactional read-modify-write.
type Store interface {
	Get(ctx context.Context, path string, v interface{}) error
	Set(ctx context.Context, path string, v interface{}) error
	Update(ctx context.Context, path string, fields map[string]interface{}) error
	Delete(ctx context.Context, path string) error
	Transaction(ctx context.Context, path string, fn func(current json.RawMessage) (interface{}, error)) error
}

// devicePath builds the path of a device subtree, e.g.
// devicePath("FROG-A1B2C3", "session") -> "devices/FROG-A1B2C3/session".
func devicePath(deviceID, child string) string {
	if child == "" {
		return "devices/" + deviceID
	}
	return "devices/" + deviceID + "/" + child
}

// FirebaseStore implements Store on the Firebase Realtime Database.
type FirebaseStore struct {
	client *db.Client
	logger *zap.Logger
}

func NewFirebaseStore(cfg *config.Config, logger *zap.Logger) (*FirebaseStore, error) {
	ctx := context.Background()

	conf := &firebase.Config{
		DatabaseURL: cfg.FirebaseDbUrl,
	}

	opt := option.WithCredentialsJSON([]byte(cfg.FirebaseServiceAccountJSON))
	app, err := firebase.NewApp(ctx, conf, opt)
	if err != nil {
		return nil, fmt.Errorf("error initializing firebase app: %w", err)
	}

	client, err := app.Database(ctx)
	if err != nil {
		return nil, fmt.Errorf("error getting database client: %w", err)
	}

	fs := &FirebaseStore{
		client: client,
		logger: logger,
	}

	if err := fs.testConnection(); err != nil {
		logger.Error("Firebase connection test failed", zap.Error(err))
		return nil, fmt.Errorf("firebase connection test failed: %w", err)
	}

	return fs, nil
}

// testConnection verifies database reachability with retry.
func (fs *FirebaseStore) testConnection() error {
	ctx := context.Background()
	maxRetries := 3

	for attempt := 1; attempt <= maxRetries; attempt++ {
		fs.logger.Info("Testing Firebase connection", zap.Int("attempt", attempt), zap.Int("max_retries", maxRetries))

		var data interface{}
		err := fs.client.NewRef("/").Get(ctx, &data)
		if err == nil {
			fs.logger.Info("Firebase connection successful")
			return nil
		}

		fs.logger.Warn("Firebase connection failed",
			zap.Int("attempt", attempt),
			zap.Int("max_retries", maxRetries),
			zap.Error(err))

		if attempt < maxRetries {
			time.Sleep(time.Duration(attempt) * time.Second)
		}
	}

	return fmt.Errorf("failed to connect to Firebase after %d attempts", maxRetries)
}

func (fs *FirebaseStore) Get(ctx context.Context, path string, v interface{}) error {
	if err := fs.client.NewRef(path).Get(ctx, v); err != nil {
		return translateStoreError(err)
	}
	return nil
}

func (fs *FirebaseStore) Set(ctx context.Context, path string, v interface{}) error {
	if err := fs.client.NewRef(path).Set(ctx, v); err != nil {
		return translateStoreError(err)
	}
	return nil
}

func (fs *FirebaseStore) Update(ctx context.Context, path string, fields map[string]interface{}) error {
	if err := fs.client.NewRef(path).Update(ctx, fields); err != nil {
		return translateStoreError(err)
	}
	return nil
}

func (fs *FirebaseStore) Delete(ctx context.Context, path string) error {
	if err := fs.client.NewRef(path).Delete(ctx); err != nil {
		return translateStoreError(err)
	}
	return nil
}

// Transaction runs fn inside the database's compare-and-swap update.
// fn receives the current value as raw JSON (empty or "null" when the
// path is absent) and returns the replacement value; returning an error
// aborts the transaction and the error is passed through to the caller.
func (fs *FirebaseStore) Transaction(ctx context.Context, path string, fn func(current json.RawMessage) (interface{}, error)) error {
	err := fs.client.NewRef(path).Transaction(ctx, func(node db.TransactionNode) (interface{}, error) {
		var raw json.RawMessage
		if err := node.Unmarshal(&raw); err != nil {
			return nil, err
		}
		return fn(raw)
	})
	if err != nil {
		return translateStoreError(err)
	}
	return nil
}

// translateStoreError maps SDK errors to the typed sentinels the
// services branch on. Unauthenticated responses count as permission
// failures: both mean the rules no longer accept this client.
func translateStoreError(err error) error {
	if errorutils.IsPermissionDenied(err) || errorutils.IsUnauthenticated(err) {
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}
	return err
}
