package conveyor

import (
	"fmt"

	"github.com/fatih/color"
)

// ColorRunFormatter prints run progress to the console with colors.
type ColorRunFormatter struct{}

func NewColorRunFormatter() *ColorRunFormatter {
	return &ColorRunFormatter{}
}

func (f *ColorRunFormatter) PrintJobStart(instanceID string) {
	color.Cyan("▶ %s", instanceID)
}

func (f *ColorRunFormatter) PrintStepStart(instanceID, stepName string) {
	fmt.Printf("  %s / %s\n", instanceID, stepName)
}

func (f *ColorRunFormatter) PrintStepError(instanceID, stepName string, err error) {
	color.Red("  %s / %s: %v", instanceID, stepName, err)
}

func (f *ColorRunFormatter) PrintJobFinish(instanceID string, status Status) {
	switch status {
	case StatusSucceeded:
		color.Green("✔ %s", instanceID)
	case StatusFailed:
		color.Red("✘ %s", instanceID)
	case StatusCancelled:
		color.Yellow("⊘ %s (cancelled)", instanceID)
	case StatusSkipped:
		color.White("- %s (skipped)", instanceID)
	}
}

var _ RunFormatter = (*ColorRunFormatter)(nil)
