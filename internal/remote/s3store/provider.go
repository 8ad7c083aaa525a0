package s3store

import (
	"fmt"
	"sort"
	"strings"
)

// Provider names an S3-compatible storage service.
type Provider string

const (
	ProviderAWS   Provider = "aws"
	ProviderMinIO Provider = "minio"
	ProviderR2    Provider = "r2"
)

// DefaultAWSRegion is used when no region is configured.
const DefaultAWSRegion = "us-east-1"

// Standard AWS S3 regions.
var awsRegions = map[string]bool{
	"us-east-1":      true,
	"us-east-2":      true,
	"us-west-1":      true,
	"us-west-2":      true,
	"eu-west-1":      true,
	"eu-west-2":      true,
	"eu-west-3":      true,
	"eu-central-1":   true,
	"eu-north-1":     true,
	"eu-south-1":     true,
	"ap-northeast-1": true,
	"ap-northeast-2": true,
	"ap-northeast-3": true,
	"ap-southeast-1": true,
	"ap-southeast-2": true,
	"ap-south-1":     true,
	"ca-central-1":   true,
	"sa-east-1":      true,
	"me-south-1":     true,
	"af-south-1":     true,
}

// IsSupportedAWSRegion checks if a region is a known AWS S3 region.
func IsSupportedAWSRegion(region string) bool {
	return awsRegions[region]
}

// SupportedAWSRegions returns the known AWS regions, sorted.
func SupportedAWSRegions() []string {
	regions := make([]string, 0, len(awsRegions))
	for region := range awsRegions {
		regions = append(regions, region)
	}
	sort.Strings(regions)
	return regions
}

// MinIOEndpoint normalizes a MinIO endpoint, adding a scheme when missing
// and trimming any trailing slash.
func MinIOEndpoint(endpoint string, useSSL bool) (string, error) {
	if endpoint == "" {
		return "", fmt.Errorf("minio endpoint cannot be empty")
	}
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		if useSSL {
			endpoint = "https://" + endpoint
		} else {
			endpoint = "http://" + endpoint
		}
	}
	return strings.TrimSuffix(endpoint, "/"), nil
}

// R2Endpoint returns the S3 API endpoint for a Cloudflare account.
func R2Endpoint(accountID string) string {
	return fmt.Sprintf("https://%s.r2.cloudflarestorage.com", accountID)
}

// IsValidR2AccountID performs basic validation of a Cloudflare account ID,
// which is a 32-character hex string.
func IsValidR2AccountID(accountID string) bool {
	if len(accountID) != 32 {
		return false
	}
	for _, c := range accountID {
		if !strings.ContainsRune("0123456789abcdefABCDEF", c) {
			return false
		}
	}
	return true
}

// endpoint is the resolved addressing for a provider.
type endpoint struct {
	// URL is empty for AWS, whose endpoints the SDK resolves from the region.
	URL       string
	Region    string
	PathStyle bool
}

// resolveEndpoint derives the endpoint, region and addressing style for cfg.
func resolveEndpoint(cfg Config) (endpoint, error) {
	switch cfg.Provider {
	case ProviderAWS, "":
		region := cfg.Region
		if region == "" {
			region = DefaultAWSRegion
		}
		if !IsSupportedAWSRegion(region) {
			return endpoint{}, fmt.Errorf("unknown AWS region: %s", region)
		}
		// A custom endpoint points at an S3-compatible emulator.
		return endpoint{URL: cfg.Endpoint, Region: region, PathStyle: cfg.Endpoint != ""}, nil
	case ProviderMinIO:
		url, err := MinIOEndpoint(cfg.Endpoint, cfg.UseSSL)
		if err != nil {
			return endpoint{}, err
		}
		// MinIO ignores regions but the signer needs one.
		return endpoint{URL: url, Region: DefaultAWSRegion, PathStyle: true}, nil
	case ProviderR2:
		if !IsValidR2AccountID(cfg.AccountID) {
			return endpoint{}, fmt.Errorf("invalid R2 account id %q", cfg.AccountID)
		}
		return endpoint{URL: R2Endpoint(cfg.AccountID), Region: "auto"}, nil
	default:
		return endpoint{}, fmt.Errorf("unknown S3 provider %q", cfg.Provider)
	}
}
