package models

import (
	"time"
)

// IPGeolocation holds geolocation and network classification for an address. Rows are
// maintained by the enrichment collaborator.
type IPGeolocation struct {
	ID           uint      `json:"id" gorm:"primaryKey"`
	IPAddress    string    `json:"ip_address" gorm:"uniqueIndex;not null"`
	CountryCode  string    `json:"country_code" gorm:"index"`
	CountryName  string    `json:"country_name"`
	City         string    `json:"city"`
	Latitude     *float64  `json:"latitude"`
	Longitude    *float64  `json:"longitude"`
	ASN          int       `json:"asn"`
	ISP          string    `json:"isp"`
	IsTor        bool      `json:"is_tor"`
	IsProxy      bool      `json:"is_proxy"`
	IsVPN        bool      `json:"is_vpn"`
	IsDatacenter bool      `json:"is_datacenter"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (IPGeolocation) TableName() string { return "ip_geolocation" }

// HasCoordinates reports whether both latitude and longitude are known.
func (g *IPGeolocation) HasCoordinates() bool {
	return g != nil && g.Latitude != nil && g.Longitude != nil
}

// IPThreatIntel holds reputation data aggregated from AbuseIPDB, VirusTotal and Shodan.
type IPThreatIntel struct {
	ID                  uint      `json:"id" gorm:"primaryKey"`
	IPAddress           string    `json:"ip_address" gorm:"uniqueIndex;not null"`
	AbuseIPDBScore      int       `json:"abuseipdb_score" gorm:"column:abuseipdb_score"`
	AbuseIPDBReports    int       `json:"abuseipdb_reports" gorm:"column:abuseipdb_reports"`
	VirusTotalPositives int       `json:"virustotal_positives" gorm:"column:virustotal_positives"`
	VulnerabilityCount  int       `json:"vulnerability_count"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

func (IPThreatIntel) TableName() string { return "ip_threat_intel" }
