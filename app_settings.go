package main

import (
	"fmt"

	"github.com/sentinel-hub/eo-timelapse/internal/config"
)

// ===================
// Settings Management
// ===================

// GetSettings returns a copy of the current settings
func (a *App) GetSettings() config.Settings {
	a.mu.Lock()
	defer a.mu.Unlock()

	settingsCopy := *a.settings
	settingsCopy.Timelapse.Months = append([]int(nil), a.settings.Timelapse.Months...)
	return settingsCopy
}

// SaveSettings validates and persists settings. Filter thresholds apply
// immediately; service, cache and rate limit settings on next start.
func (a *App) SaveSettings(settings config.Settings) error {
	if err := config.Validate(&settings); err != nil {
		return err
	}

	a.mu.Lock()
	if a.settingsPath != "" {
		if err := config.Save(a.settingsPath, &settings); err != nil {
			a.mu.Unlock()
			return err
		}
	}
	a.settings = &settings
	a.mu.Unlock()

	a.session.SetFilters(settings.Timelapse.MaxCCPercentAllowed, settings.Timelapse.MinCoverageAllowed)
	a.session.SetSelectAll(settings.Timelapse.SelectAll)
	a.logger.Info().Str("path", a.settingsPath).Msg("Settings saved")
	return nil
}

// GetSettingsPath returns the settings file in use
func (a *App) GetSettingsPath() string {
	return a.settingsPath
}

// SetTimelapseFilters updates the cloud and coverage thresholds
func (a *App) SetTimelapseFilters(maxCCPercentAllowed, minCoverageAllowed float64) error {
	if maxCCPercentAllowed < 0 || maxCCPercentAllowed > 100 {
		return fmt.Errorf("cloud cover threshold must be within 0-100")
	}
	if minCoverageAllowed < 0 || minCoverageAllowed > 100 {
		return fmt.Errorf("coverage threshold must be within 0-100")
	}

	a.mu.Lock()
	a.settings.Timelapse.MaxCCPercentAllowed = maxCCPercentAllowed
	a.settings.Timelapse.MinCoverageAllowed = minCoverageAllowed
	a.mu.Unlock()

	a.session.SetFilters(maxCCPercentAllowed, minCoverageAllowed)
	return nil
}

// ResetTimelapseFilters restores the default thresholds
func (a *App) ResetTimelapseFilters() {
	a.mu.Lock()
	a.settings.Timelapse.ResetFilters()
	t := a.settings.Timelapse
	a.mu.Unlock()

	a.session.SetFilters(t.MaxCCPercentAllowed, t.MinCoverageAllowed)
}
