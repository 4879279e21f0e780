package store

import (
	"context"
	"fmt"
	"log"

	"golang.org/x/crypto/bcrypt"
)

// Bootstrap creates the system tables and seeds the default admin user.
// Safe to call on every startup.
func (s *Store) Bootstrap(ctx context.Context) error {
	if _, err := s.DB.ExecContext(ctx, s.Dialect.SystemTablesSQL()); err != nil {
		return fmt.Errorf("bootstrap system tables: %w", err)
	}
	if err := s.seedAdminUser(ctx); err != nil {
		return fmt.Errorf("seed admin user: %w", err)
	}
	return nil
}

func (s *Store) seedAdminUser(ctx context.Context) error {
	var count int
	err := s.DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM users").Scan(&count)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	hashBytes, err := bcrypt.GenerateFromPassword([]byte("changeme"), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	pb := s.Dialect.NewParamBuilder()
	id := pb.Add(GenerateUUID())
	email := pb.Add("admin@localhost")
	hash := pb.Add(string(hashBytes))
	roles := pb.Add(s.Dialect.ArrayParam([]string{"admin"}))
	query := fmt.Sprintf(
		"INSERT INTO users (id, email, password_hash, roles) VALUES (%s, %s, %s, %s)",
		id, email, hash, roles,
	)
	if _, err := s.DB.ExecContext(ctx, query, pb.Params()...); err != nil {
		return err
	}

	log.Println("WARNING: Default admin user created (admin@localhost / changeme), change the password immediately.")
	return nil
}
