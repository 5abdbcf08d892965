// Vigil - Behavioral Anomaly Detection Engine
// Copyright 2026 Vigil Security Project
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/vigilsec/vigil

package config

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// validate is the shared validator instance; it caches struct metadata.
var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks struct tags plus cross-field rules that tags cannot
// express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			ve := verrs[0]
			return fmt.Errorf("invalid value for %s (rule %s)", ve.Namespace(), ve.Tag())
		}
		return err
	}

	at := c.Detectors.AccessTime
	if at.NightStartHour == at.NightEndHour {
		return fmt.Errorf("access_time night window is empty: start and end hour are both %d", at.NightStartHour)
	}

	return nil
}
