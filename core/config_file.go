package core

import (
	"bytes"
	"io"
	"time"
)

// rawConfig mirrors the YAML file layout. Timeout keys carry their unit in
// the name (…Sec, …Ms) and are plain integers in the file; apply converts
// them to durations. Pointer fields distinguish "absent" from zero.
type rawConfig struct {
	Name *string `yaml:"name"`

	Workflow struct {
		MaxConcurrentIncidents *int     `yaml:"maxConcurrentIncidents"`
		MaxQueueSize           *int     `yaml:"maxQueueSize"`
		WorkflowTimeoutSec     *int     `yaml:"workflowTimeoutSec"`
		AnalysisTimeoutSec     *int     `yaml:"analysisTimeoutSec"`
		RemediationTimeoutSec  *int     `yaml:"remediationTimeoutSec"`
		ApprovalTimeoutSec     *int     `yaml:"approvalTimeoutSec"`
		ClosureDelaySec        *int     `yaml:"closureDelaySec"`
		ConfidenceThreshold    *float64 `yaml:"confidenceThreshold"`
		EscalateLowConfidence  *bool    `yaml:"escalateLowConfidence"`
		AllowPartialResolution *bool    `yaml:"allowPartialResolution"`
	} `yaml:"workflow"`

	AutoApprove struct {
		Enabled            *bool    `yaml:"enabled"`
		ConfidenceHigh     *float64 `yaml:"confidenceHigh"`
		ConfidenceLow      *float64 `yaml:"confidenceLow"`
		MaxRisk            *float64 `yaml:"maxRisk"`
		DenyCategories     []string `yaml:"denyCategories"`
		ProtectedResources []string `yaml:"protectedResources"`
	} `yaml:"autoApprove"`

	Recovery struct {
		MaxRetries    *int     `yaml:"maxRetries"`
		BaseBackoffMs *int     `yaml:"baseBackoffMs"`
		MaxBackoffMs  *int     `yaml:"maxBackoffMs"`
		JitterPct     *float64 `yaml:"jitterPct"`
		MaxDefers     *int     `yaml:"maxDefers"`
	} `yaml:"recovery"`

	Circuit struct {
		FailureThreshold *int `yaml:"failureThreshold"`
		WindowSec        *int `yaml:"windowSec"`
		CooldownSec      *int `yaml:"cooldownSec"`
		MaxCooldownSec   *int `yaml:"maxCooldownSec"`
	} `yaml:"circuit"`

	Cache struct {
		TTLSec     *int `yaml:"ttlSec"`
		MaxEntries *int `yaml:"maxEntries"`
	} `yaml:"cache"`

	Batcher struct {
		WindowMs *int `yaml:"windowMs"`
		MaxOps   *int `yaml:"maxOps"`
	} `yaml:"batcher"`

	Audit struct {
		SigningEnabled *bool   `yaml:"signingEnabled"`
		SigningKeyFile *string `yaml:"signingKeyFile"`
	} `yaml:"audit"`

	RateLimit struct {
		DefaultRate *float64           `yaml:"defaultRate"`
		Burst       *int               `yaml:"burst"`
		PerCategory map[string]float64 `yaml:"perCategory"`
	} `yaml:"rateLimit"`

	Store struct {
		Provider *string `yaml:"provider"`
		RedisURL *string `yaml:"redisUrl"`
	} `yaml:"store"`

	Bus struct {
		Provider      *string `yaml:"provider"`
		NATSURL       *string `yaml:"natsUrl"`
		SubjectPrefix *string `yaml:"subjectPrefix"`
		QueueGroup    *string `yaml:"queueGroup"`
	} `yaml:"bus"`

	Admin struct {
		Port               *int `yaml:"port"`
		ShutdownTimeoutSec *int `yaml:"shutdownTimeoutSec"`
	} `yaml:"admin"`

	Logging struct {
		Level  *string `yaml:"level"`
		Format *string `yaml:"format"`
	} `yaml:"logging"`

	Telemetry struct {
		Enabled *bool `yaml:"enabled"`
	} `yaml:"telemetry"`
}

func newStrictReader(data []byte) io.Reader {
	return bytes.NewReader(data)
}

func (r *rawConfig) apply(c *Config) {
	setString(&c.Name, r.Name)

	setInt(&c.Workflow.MaxConcurrentIncidents, r.Workflow.MaxConcurrentIncidents)
	setInt(&c.Workflow.MaxQueueSize, r.Workflow.MaxQueueSize)
	setSec(&c.Workflow.WorkflowTimeout, r.Workflow.WorkflowTimeoutSec)
	setSec(&c.Workflow.AnalysisTimeout, r.Workflow.AnalysisTimeoutSec)
	setSec(&c.Workflow.RemediationTimeout, r.Workflow.RemediationTimeoutSec)
	setSec(&c.Workflow.ApprovalTimeout, r.Workflow.ApprovalTimeoutSec)
	setSec(&c.Workflow.ClosureDelay, r.Workflow.ClosureDelaySec)
	setFloat(&c.Workflow.ConfidenceThreshold, r.Workflow.ConfidenceThreshold)
	setBool(&c.Workflow.EscalateLowConfidence, r.Workflow.EscalateLowConfidence)
	setBool(&c.Workflow.AllowPartialResolution, r.Workflow.AllowPartialResolution)

	setBool(&c.AutoApprove.Enabled, r.AutoApprove.Enabled)
	setFloat(&c.AutoApprove.ConfidenceHigh, r.AutoApprove.ConfidenceHigh)
	setFloat(&c.AutoApprove.ConfidenceLow, r.AutoApprove.ConfidenceLow)
	setFloat(&c.AutoApprove.MaxRisk, r.AutoApprove.MaxRisk)
	if r.AutoApprove.DenyCategories != nil {
		c.AutoApprove.DenyCategories = r.AutoApprove.DenyCategories
	}
	if r.AutoApprove.ProtectedResources != nil {
		c.AutoApprove.ProtectedResources = r.AutoApprove.ProtectedResources
	}

	setInt(&c.Recovery.MaxRetries, r.Recovery.MaxRetries)
	setMs(&c.Recovery.BaseBackoff, r.Recovery.BaseBackoffMs)
	setMs(&c.Recovery.MaxBackoff, r.Recovery.MaxBackoffMs)
	setFloat(&c.Recovery.JitterPct, r.Recovery.JitterPct)
	setInt(&c.Recovery.MaxDefers, r.Recovery.MaxDefers)

	setInt(&c.Circuit.FailureThreshold, r.Circuit.FailureThreshold)
	setSec(&c.Circuit.Window, r.Circuit.WindowSec)
	setSec(&c.Circuit.Cooldown, r.Circuit.CooldownSec)
	setSec(&c.Circuit.MaxCooldown, r.Circuit.MaxCooldownSec)

	setSec(&c.Cache.TTL, r.Cache.TTLSec)
	setInt(&c.Cache.MaxEntries, r.Cache.MaxEntries)

	setMs(&c.Batcher.Window, r.Batcher.WindowMs)
	setInt(&c.Batcher.MaxOps, r.Batcher.MaxOps)

	setBool(&c.Audit.SigningEnabled, r.Audit.SigningEnabled)
	setString(&c.Audit.SigningKeyFile, r.Audit.SigningKeyFile)

	setFloat(&c.RateLimit.DefaultRate, r.RateLimit.DefaultRate)
	setInt(&c.RateLimit.Burst, r.RateLimit.Burst)
	if r.RateLimit.PerCategory != nil {
		c.RateLimit.PerCategory = r.RateLimit.PerCategory
	}

	setString(&c.Store.Provider, r.Store.Provider)
	setString(&c.Store.RedisURL, r.Store.RedisURL)

	setString(&c.Bus.Provider, r.Bus.Provider)
	setString(&c.Bus.NATSURL, r.Bus.NATSURL)
	setString(&c.Bus.SubjectPrefix, r.Bus.SubjectPrefix)
	setString(&c.Bus.QueueGroup, r.Bus.QueueGroup)

	setInt(&c.Admin.Port, r.Admin.Port)
	setSec(&c.Admin.ShutdownTimeout, r.Admin.ShutdownTimeoutSec)

	setString(&c.Logging.Level, r.Logging.Level)
	setString(&c.Logging.Format, r.Logging.Format)

	setBool(&c.Telemetry.Enabled, r.Telemetry.Enabled)
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}

func setInt(dst *int, src *int) {
	if src != nil {
		*dst = *src
	}
}

func setFloat(dst *float64, src *float64) {
	if src != nil {
		*dst = *src
	}
}

func setBool(dst *bool, src *bool) {
	if src != nil {
		*dst = *src
	}
}

func setSec(dst *time.Duration, src *int) {
	if src != nil {
		*dst = time.Duration(*src) * time.Second
	}
}

func setMs(dst *time.Duration, src *int) {
	if src != nil {
		*dst = time.Duration(*src) * time.Millisecond
	}
}
