package failsafe

import (
	"fmt"
	"time"

	"github.com/hako/durafmt"

	"ups_failsafe/internal/models"
)

func humanDuration(d time.Duration) string {
	return durafmt.Parse(d.Round(time.Second)).LimitFirstN(2).String()
}

func powerFields(sample models.PowerSample) []models.NotificationField {
	return []models.NotificationField{
		{Name: "Power source", Value: sample.Status.String(), Inline: true},
		{Name: "Battery", Value: sample.BatteryLabel(), Inline: true},
	}
}

func powerLostNotice(sample models.PowerSample, grace time.Duration, fireAt time.Time, hosts int) models.Notification {
	fields := powerFields(sample)
	fields = append(fields,
		models.NotificationField{Name: "Hosts", Value: fmt.Sprintf("%d", hosts), Inline: true},
		models.NotificationField{Name: "Shutdown at", Value: fireAt.UTC().Format(time.RFC3339)},
	)
	return models.Notification{
		Title:       "Power failure",
		Description: fmt.Sprintf("UPS is running on battery. Hosts will be powered off in %s unless mains power returns.", humanDuration(grace)),
		Severity:    models.SeverityWarning,
		Fields:      fields,
		Timestamp:   time.Now(),
	}
}

func powerRecoveredNotice(sample models.PowerSample) models.Notification {
	return models.Notification{
		Title:       "Power restored",
		Description: "Mains power is back. Emergency shutdown was cancelled.",
		Severity:    models.SeveritySuccess,
		Fields:      powerFields(sample),
		Timestamp:   time.Now(),
	}
}

func shutdownStatusNotice(sample models.PowerSample, hosts int) models.Notification {
	fields := powerFields(sample)
	fields = append(fields, models.NotificationField{Name: "Hosts", Value: fmt.Sprintf("%d", hosts), Inline: true})
	return models.Notification{
		Title:       "Emergency shutdown",
		Description: "Mains power did not return in time. Hosts are being powered off.",
		Severity:    models.SeverityError,
		Fields:      fields,
		Timestamp:   time.Now(),
	}
}

func shuttingDownNotice(hosts int) models.Notification {
	return models.Notification{
		Title:       "Shutting down",
		Description: fmt.Sprintf("Powering off %d host(s) now.", hosts),
		Severity:    models.SeverityError,
		Timestamp:   time.Now(),
	}
}

func restoredAfterShutdownNotice(sample models.PowerSample) models.Notification {
	return models.Notification{
		Title:       "Power restored",
		Description: "Mains power is back after an emergency shutdown. Hosts must be started manually.",
		Severity:    models.SeverityInfo,
		Fields:      powerFields(sample),
		Timestamp:   time.Now(),
	}
}

func poweringOffNotice(h models.Host) models.Notification {
	return models.Notification{
		Title:       "Powering off host",
		Description: fmt.Sprintf("Powering off %s (%s).", h.Name, h.IPAddress),
		Severity:    models.SeverityWarning,
		Timestamp:   time.Now(),
	}
}
