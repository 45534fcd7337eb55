package config

import (
	"github.com/activecm/flowsentry/dnsamp"
	"github.com/activecm/flowsentry/pca"
	"github.com/activecm/flowsentry/voip"
)

// PCAConfig builds a pca.Config from the shared settings, for the `pca`
// subcommand and the volume pipeline of `replay` (the sketch pipelines use
// SketchPCAConfig).
func (c *Config) PCAConfig() pca.Config {
	return pca.Config{
		L:                c.LinkCount,
		Method:           pca.VarianceFraction,
		VarianceFraction: c.VarianceFraction,
		DeltaProjectionD: c.DeltaProjectionD,
		Test:             pca.SPETest,
		ZAlpha:           c.ZAlpha,
		StdDevMultiplier: c.StdDevMultiplier,
		Preprocessing:    c.Preprocessing,
	}
}

// SketchPCAConfig builds the pca.Config the sketch+PCA detector runs once
// per hash function (spec §4.3: "the PCA engine runs once per hash
// function"). Each hash's feature row is laid out attribute-major in
// blocks of SketchRows columns (sketch.Bank.FoldRow), so the unit-energy
// block size is SketchRows rather than LinkCount, and firing uses the
// per-column std-dev test so individual columns (and thus offending
// sketch rows) can be recovered via RowOfColumn/IntersectKeys.
func (c *Config) SketchPCAConfig() pca.Config {
	return pca.Config{
		L:                c.SketchRows,
		Method:           pca.VarianceFraction,
		VarianceFraction: c.VarianceFraction,
		DeltaProjectionD: c.DeltaProjectionD,
		Test:             pca.PerColumnStdDevTest,
		ZAlpha:           c.ZAlpha,
		StdDevMultiplier: c.StdDevMultiplier,
		Preprocessing:    c.Preprocessing,
	}
}

// DNSAmpConfig builds a dnsamp.Config from the shared settings.
func (c *Config) DNSAmpConfig() dnsamp.Config {
	return dnsamp.Config{
		PortOfInterest:   c.DNSPortOfInterest,
		TopN:             c.DNSTopN,
		BucketWidth:      c.DNSBucketWidth,
		MinFlows:         c.DNSMinFlows,
		MinFlowsNorm:     c.DNSMinFlowsNorm,
		MinAmplification: c.DNSMinAmplification,
		MinRespPackets:   c.DNSMinRespPackets,
		MinRespBytes:     c.DNSMinRespBytes,
		MaxQuerBytes:     c.DNSMaxQuerBytes,
		DetectionWindow:  c.DNSDetectionWindow,
		DeletionWindow:   c.DNSDeletionWindow,
		AlertLogPrefix:   c.DNSAlertLogPrefix,
		AlertLogSuffix:   c.DNSAlertLogSuffix,
	}
}

// VoIPConfig builds a voip.Config from the shared settings.
func (c *Config) VoIPConfig() voip.Config {
	return voip.Config{
		MaxPrefixLength:               c.VoIPMaxPrefixLength,
		MinLengthCalledNumber:         c.VoIPMinLengthCalledNumber,
		PrefixExaminationThreshold:    c.VoIPPrefixExaminationThreshold,
		DetectionInterval:             c.VoIPDetectionInterval,
		DetectionPauseAfterAttack:     c.VoIPDetectionPauseAfterAttack,
		SafeCacheSize:                 c.VoIPSafeCacheSize,
		ConsiderSuccessfulAfterSIPAck: c.VoIPConsiderSuccessfulAfterSIPAck,
	}
}

// VoIPCountryConfig builds a voip.CountryConfig from the shared settings.
func (c *Config) VoIPCountryConfig() voip.CountryConfig {
	return voip.CountryConfig{
		LearningPeriod:          c.LearnCountriesPeriod,
		AllowedCountries:        c.AllowedCountries,
		DisableSavingNewCountry: c.DisableCountrySave,
	}
}
