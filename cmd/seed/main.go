package main

import (
	"context"
	"fmt"
	"os"

	"github.com/Wikid82/warden/internal/config"
	"github.com/Wikid82/warden/internal/engine"
	"github.com/Wikid82/warden/internal/logger"
	"github.com/Wikid82/warden/internal/models"
	"github.com/Wikid82/warden/internal/services"
)

func main() {
	logger.Init(false, os.Stdout)
	log := logger.Log()

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("load config")
	}

	// Seeding never needs the bus or the shared cache.
	cfg.Redis.Addr = ""
	cfg.Kafka.Brokers = nil

	c, closeFn, err := engine.Open(cfg)
	if err != nil {
		log.WithError(err).Fatal("open database")
	}
	defer closeFn()

	fmt.Println("✓ Database migrated successfully")
	ctx := context.Background()

	for _, rule := range services.DefaultRules() {
		rule := rule
		rule.CreatedBy = "seed"
		if err := c.Rules.SaveRule(ctx, &rule); err != nil {
			log.WithError(err).WithField("rule", rule.Name).Error("failed to seed rule")
			continue
		}
		fmt.Printf("✓ Rule: %s (%s, priority %d)\n", rule.Name, rule.RuleType, rule.Priority)
	}

	agent, err := c.Agents.Register(ctx, "sample-bastion", "192.0.2.10")
	if err != nil {
		log.WithError(err).Fatal("failed to seed agent")
	}
	fmt.Printf("✓ Agent: %s (%s)\n", agent.Hostname, agent.UUID)

	geo := []models.IPGeolocation{
		{IPAddress: "203.0.113.66", CountryCode: "KP", CountryName: "North Korea", ASN: 131279, ISP: "Star JV"},
		{IPAddress: "198.51.100.13", CountryCode: "DE", CountryName: "Germany", IsTor: true},
	}
	intel := []models.IPThreatIntel{
		{IPAddress: "203.0.113.66", AbuseIPDBScore: 97, AbuseIPDBReports: 412, VirusTotalPositives: 6},
		{IPAddress: "198.51.100.13", AbuseIPDBScore: 64, AbuseIPDBReports: 38},
	}
	for i := range geo {
		result := c.DB.Where("ip_address = ?", geo[i].IPAddress).FirstOrCreate(&geo[i])
		if result.Error != nil {
			log.WithError(result.Error).WithField("ip", geo[i].IPAddress).Error("failed to seed geolocation")
		} else if result.RowsAffected > 0 {
			fmt.Printf("✓ Geolocation: %s (%s)\n", geo[i].IPAddress, geo[i].CountryCode)
		}
	}
	for i := range intel {
		result := c.DB.Where("ip_address = ?", intel[i].IPAddress).FirstOrCreate(&intel[i])
		if result.Error != nil {
			log.WithError(result.Error).WithField("ip", intel[i].IPAddress).Error("failed to seed threat intel")
		} else if result.RowsAffected > 0 {
			fmt.Printf("✓ Threat intel: %s (AbuseIPDB %d)\n", intel[i].IPAddress, intel[i].AbuseIPDBScore)
		}
	}

	fmt.Println("\n✓ Database seeding completed successfully!")
}
