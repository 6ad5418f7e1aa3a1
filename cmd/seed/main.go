package main

import (
	"context"
	"flag"
	"log"
	"os"
	"time"

	"tradefinance-backend/internal/config"
	"tradefinance-backend/internal/db"
	"tradefinance-backend/internal/leads"
	"tradefinance-backend/internal/users"
)

type seedUser struct {
	Username    string
	Email       string
	PasswordEnv string
}

func main() {
	demo := flag.Bool("demo", false, "also insert demo leads")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client, cols, err := db.Connect(ctx, cfg.MongoURI, cfg.MongoDB)
	if err != nil {
		log.Fatal(err)
	}
	defer client.Disconnect(context.Background())

	if err := db.EnsureIndexes(ctx, cols); err != nil {
		log.Fatal(err)
	}

	userService := users.NewService(users.NewRepository(cols.AdminUsers), nil, "", "")
	adminUsers := []seedUser{
		{Username: cfg.AdminUser, Email: os.Getenv("ADMIN_EMAIL"), PasswordEnv: "ADMIN_PASSWORD"},
		{Username: envOrDefault("ADMIN_USER_2", "admin2"), Email: os.Getenv("ADMIN_EMAIL_2"), PasswordEnv: "ADMIN_PASSWORD_2"},
	}
	for _, admin := range adminUsers {
		password := os.Getenv(admin.PasswordEnv)
		if admin.Username == "" || password == "" {
			log.Printf("seed admin: %s missing, skipping (%s)", admin.Username, admin.PasswordEnv)
			continue
		}
		created, err := userService.EnsureUser(ctx, admin.Username, admin.Email, password)
		if err != nil {
			log.Fatalf("seed admin error for %s: %v", admin.Username, err)
		}
		if created {
			log.Printf("seed admin: created %s", admin.Username)
		} else {
			log.Printf("seed admin: %s already exists", admin.Username)
		}
	}

	if *demo {
		leadService := leads.NewService(leads.NewRepository(cols.Leads), cfg.Timezone, nil, nil)
		for _, req := range demoLeads() {
			result, err := leadService.Submit(ctx, req, leads.SubmitMeta{UserAgent: "seed"})
			if err != nil {
				log.Fatalf("seed lead error for %s: %v", req.Email, err)
			}
			log.Printf("seed lead: %s score=%d merged=%t", result.Lead.ID, result.Lead.LeadScore, result.Duplicate)
		}
	}

	log.Println("seed completed")
}

func demoLeads() []leads.SubmitRequest {
	return []leads.SubmitRequest{
		{
			FirstName: "Gareth", LastName: "Evans", Email: "gareth@evansbuild.example.co.uk", Phone: "07700900101",
			CompanyName: "Evans Build Ltd", TradeType: "builder",
			Amount: 150000, Purpose: "equipment", Urgency: "urgent", TermMonths: 48,
			BusinessType: "limited-company", YearsTrading: 8, AnnualTurnover: 1200000, Employees: 14, Postcode: "CF10 1AA",
			Source: "seed", PrivacyConsent: true, MarketingConsent: true,
		},
		{
			FirstName: "Priya", LastName: "Shah", Email: "priya@sparkright.example.co.uk", Phone: "07700900102",
			CompanyName: "SparkRight Electrical", TradeType: "electrician",
			Amount: 30000, Purpose: "vehicle", Urgency: "this-month", TermMonths: 36,
			BusinessType: "partnership", YearsTrading: 3, AnnualTurnover: 280000, Employees: 4, Postcode: "LS1 4AP",
			Source: "seed", PrivacyConsent: true,
		},
		{
			FirstName: "Tom", LastName: "Reilly", Email: "tom@reillyroofing.example.co.uk", Phone: "07700900103",
			TradeType: "roofer",
			Amount:    8000, Purpose: "cash-flow", Urgency: "planning",
			BusinessType: "sole-trader", YearsTrading: 1, AnnualTurnover: 60000, Postcode: "BS1 5TR",
			Source: "seed", PrivacyConsent: true,
		},
	}
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
