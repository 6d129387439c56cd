// Package cli provides error handling utilities for CLI output.
package cli

import (
	"fmt"
	"os"

	autoerrors "github.com/halverson/autodev/internal/errors"
)

// PrintError prints an error to stderr with appropriate formatting.
// Structured errors get the user-friendly what/why/fix format;
// everything else prints as a plain message.
func PrintError(err error) {
	if aerr := autoerrors.AsError(err); aerr != nil {
		fmt.Fprintln(os.Stderr, aerr.UserMessage())
		if verbose {
			// In verbose mode, also print the error code and cause
			fmt.Fprintf(os.Stderr, "\nCode: %s\n", aerr.Code)
			if aerr.Cause != nil {
				fmt.Fprintf(os.Stderr, "Cause: %v\n", aerr.Cause)
			}
		}
		return
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
}

// exitCode maps an error to the process exit code. Scripts key off
// these, so the mapping is part of the CLI contract.
func exitCode(err error) int {
	aerr := autoerrors.AsError(err)
	if aerr == nil {
		return 1
	}
	switch aerr.Code {
	case autoerrors.CodeConfigInvalid, autoerrors.CodeConfigMissing:
		return 2
	case autoerrors.CodeRepoNotAllowed:
		return 3
	case autoerrors.CodeBudgetExceeded:
		return 4
	default:
		return 1
	}
}
