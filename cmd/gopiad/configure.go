package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"

	"github.com/L11R/gopiad/config"
)

func validateUsername(input string) error {
	if !strings.HasPrefix(input, "p") || len(input) < 2 {
		return errors.New("invalid username, it should start with 'p'")
	}
	if _, err := strconv.Atoi(input[1:]); err != nil {
		return errors.New("invalid username")
	}
	return nil
}

func validatePositiveInt(input string) error {
	n, err := strconv.Atoi(input)
	if err != nil || n <= 0 {
		return errors.New("must be a positive number")
	}
	return nil
}

func newConfigureCommand(a *app) *cobra.Command {
	var username, password string

	cmd := &cobra.Command{
		Use:   "configure",
		Short: "Interactively write credentials and a region to the env file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			var err error

			if username == "" {
				username, err = (&promptui.Prompt{
					Label:    "Username",
					Validate: validateUsername,
				}).Run()
				if err != nil {
					return promptErr(err)
				}
			} else if err := validateUsername(username); err != nil {
				return err
			}

			if password == "" {
				password, err = (&promptui.Prompt{
					Label: "Password",
					Mask:  '*',
				}).Run()
				if err != nil {
					return promptErr(err)
				}
			}

			catalog, err := a.fetchCatalog(ctx)
			if err != nil {
				return err
			}

			withLatency, err := confirmed((&promptui.Prompt{
				Label:     "Sort servers by latency",
				IsConfirm: true,
			}).Run())
			if err != nil {
				return err
			}

			regions := catalog.Regions()
			if withLatency {
				raw, err := (&promptui.Prompt{
					Label:     "Maximum latency (ms)",
					Default:   "100",
					AllowEdit: true,
					Validate:  validatePositiveInt,
				}).Run()
				if err != nil {
					return promptErr(err)
				}
				ms, _ := strconv.Atoi(raw)

				results := catalog.ProbeLatency(ctx, time.Duration(ms)*time.Millisecond)
				if len(results) == 0 {
					return fmt.Errorf("no region answered within %dms", ms)
				}
				regions = regions[:0:0]
				for _, r := range results {
					regions = append(regions, r.Region)
				}
			}

			items := make([]string, 0, len(regions))
			for _, r := range regions {
				items = append(items, fmt.Sprintf("%s (%s)", r.Name, r.ID))
			}
			i, _, err := (&promptui.Select{
				Label: "Choose the server you need",
				Items: items,
				Size:  10,
			}).Run()
			if err != nil {
				return promptErr(err)
			}

			interval, err := (&promptui.Prompt{
				Label:     "Update interval (seconds)",
				Default:   "3600",
				AllowEdit: true,
				Validate:  validatePositiveInt,
			}).Run()
			if err != nil {
				return promptErr(err)
			}

			return writeEnvFile(a.envFile, map[string]string{
				config.KeyUsername:       username,
				config.KeyPassword:       password,
				config.KeyRegion:         regions[i].ID,
				config.KeyUpdateInterval: interval,
			})
		},
	}

	cmd.Flags().StringVarP(&username, "username", "u", "", "Your PIA username")
	cmd.Flags().StringVarP(&password, "password", "p", "", "Your PIA password")
	return cmd
}

// writeEnvFile merges values into the env file at path, keeping any other
// keys it already holds.
func writeEnvFile(path string, values map[string]string) error {
	env := map[string]string{}
	if _, err := os.Stat(path); err == nil {
		if env, err = godotenv.Read(path); err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
	}
	for k, v := range values {
		env[k] = v
	}
	if err := godotenv.Write(env, path); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return os.Chmod(path, 0o600)
}

// confirmed turns the result of a confirm prompt into a choice. Answering
// no yields promptui.ErrAbort.
func confirmed(_ string, err error) (bool, error) {
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, promptui.ErrAbort):
		return false, nil
	default:
		return false, promptErr(err)
	}
}

func promptErr(err error) error {
	if errors.Is(err, promptui.ErrInterrupt) {
		return fmt.Errorf("prompt: %w", context.Canceled)
	}
	return fmt.Errorf("prompt failed: %w", err)
}
