package config

import (
	"fmt"
)

const maxAETitleLength = 16

// Validate checks the document for the constraints the rest of the gateway
// assumes hold before any listener starts. It fails fast rather than
// surfacing a nil pointer or a stuck goroutine at runtime.
func (d *Document) Validate() error {
	if err := d.Telemetry.validate(); err != nil {
		return err
	}
	if err := d.Server.validate(); err != nil {
		return err
	}

	seen := make(map[string]bool, len(d.AETs))
	for i := range d.AETs {
		aet := &d.AETs[i]
		if err := aet.validate(); err != nil {
			return fmt.Errorf("config: aets[%d] (%s): %w", i, aet.AETitle, err)
		}
		if seen[aet.AETitle] {
			return fmt.Errorf("config: aets[%d]: duplicate AE title %q", i, aet.AETitle)
		}
		seen[aet.AETitle] = true
	}
	return nil
}

func (t Telemetry) validate() error {
	switch t.LogLevel {
	case "ERROR", "WARN", "INFO", "DEBUG", "TRACE":
	default:
		return fmt.Errorf("config: telemetry.log-level %q is not one of ERROR, WARN, INFO, DEBUG, TRACE", t.LogLevel)
	}
	return nil
}

func (s Server) validate() error {
	if err := validateAETitle("server.aet", s.AETitle); err != nil {
		return err
	}
	if s.HTTP.Port == 0 {
		return fmt.Errorf("config: server.http.port must be nonzero")
	}
	if len(s.DIMSE) == 0 {
		return fmt.Errorf("config: server.dimse must configure at least one listener")
	}
	for i, listener := range s.DIMSE {
		if err := validateAETitle(fmt.Sprintf("server.dimse[%d].aet", i), listener.AETitle); err != nil {
			return err
		}
		if listener.Port == 0 {
			return fmt.Errorf("config: server.dimse[%d].port must be nonzero", i)
		}
	}
	return nil
}

func (a AETConfig) validate() error {
	if err := validateAETitle("aet", a.AETitle); err != nil {
		return err
	}

	switch a.Backend {
	case BackendDimse, BackendS3, BackendDisabled:
	default:
		return fmt.Errorf("backend %q must be one of dimse, s3, disabled", a.Backend)
	}

	if a.Backend != BackendDimse {
		return nil
	}

	if a.Host == "" {
		return fmt.Errorf("host is required for a dimse backend")
	}
	if a.Port == 0 {
		return fmt.Errorf("port must be nonzero for a dimse backend")
	}
	if a.Pool.Size <= 0 {
		return fmt.Errorf("pool.size must be positive, got %d", a.Pool.Size)
	}
	switch a.Wado.Mode {
	case RetrieveModeConcurrent, RetrieveModeSequential:
	default:
		return fmt.Errorf("wado-rs.mode %q must be concurrent or sequential", a.Wado.Mode)
	}
	return nil
}

func validateAETitle(field, value string) error {
	if value == "" {
		return fmt.Errorf("config: %s must not be empty", field)
	}
	if len(value) > maxAETitleLength {
		return fmt.Errorf("config: %s %q exceeds %d characters", field, value, maxAETitleLength)
	}
	return nil
}
