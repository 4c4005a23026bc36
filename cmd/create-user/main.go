package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"aliasrelay/backend/internal/config"
	"aliasrelay/backend/internal/domain"
	"aliasrelay/backend/internal/storage/postgres"
)

func main() {
	username := pflag.String("username", "", "用户名，同时作为 <username>.<root-domain> 子域")
	email := pflag.String("email", "", "默认收件邮箱（视为已验证）")
	pflag.Parse()

	if *username == "" || *email == "" {
		fmt.Println("Usage: create-user --username <name> --email <address>")
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Database.Type == "" {
		fmt.Println("create-user requires a database (set ALIASRELAY_DATABASE_TYPE and ALIASRELAY_DATABASE_DSN)")
		os.Exit(1)
	}

	now := time.Now().UTC()
	user := &domain.User{
		ID:             uuid.New().String(),
		Username:       strings.ToLower(*username),
		BannerLocation: domain.BannerTop,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	recipient := &domain.Recipient{
		ID:              uuid.New().String(),
		UserID:          user.ID,
		Email:           *email,
		EmailVerifiedAt: &now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	// 验证用户名与邮箱
	if err := user.Validate(); err != nil {
		fmt.Printf("Invalid user: %v\n", err)
		os.Exit(1)
	}
	if err := recipient.Validate(); err != nil {
		fmt.Printf("Invalid recipient: %v\n", err)
		os.Exit(1)
	}

	store, err := postgres.Open(cfg.Database)
	if err != nil {
		fmt.Printf("Failed to open database: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	ctx := context.Background()
	if _, err := store.GetUserByUsername(ctx, user.Username); err == nil {
		fmt.Printf("User %q already exists\n", user.Username)
		os.Exit(1)
	}

	if err := store.SaveUser(ctx, user); err != nil {
		fmt.Printf("Failed to create user: %v\n", err)
		os.Exit(1)
	}
	if err := store.SaveRecipient(ctx, recipient); err != nil {
		fmt.Printf("Failed to create recipient: %v\n", err)
		os.Exit(1)
	}
	user.DefaultRecipientID = &recipient.ID
	if err := store.SaveUser(ctx, user); err != nil {
		fmt.Printf("Failed to set default recipient: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("✓ User created successfully!\n")
	fmt.Printf("  ID:        %s\n", user.ID)
	fmt.Printf("  Username:  %s\n", user.Username)
	fmt.Printf("  Recipient: %s\n", recipient.Email)
	fmt.Printf("  Aliases:   *@%s.%s\n", user.Username, cfg.Mail.RootDomain)
}
