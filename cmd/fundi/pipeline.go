package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var testCmd = &cobra.Command{
	Use:   "test",
	Short: "Run the project's test suite against a fresh database",
	RunE: func(_ *cobra.Command, _ []string) error {
		c, err := initShared()
		if err != nil {
			return err
		}
		defer c.Cleanup()

		ctx, cancel := signalContext()
		defer cancel()

		out, err := c.Pipeline.Test(ctx, sourceDir)
		if err != nil {
			return err
		}
		fmt.Print(out)
		return nil
	},
}

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Build the application container",
	RunE: func(_ *cobra.Command, _ []string) error {
		c, err := initShared()
		if err != nil {
			return err
		}
		defer c.Cleanup()

		ctx, cancel := signalContext()
		defer cancel()

		app, err := c.Pipeline.Build(ctx, sourceDir)
		if err != nil {
			return err
		}
		fmt.Printf("built %s (port %d)\n", app.Image(), c.Config.Project.AppPort())
		return nil
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the application with a fresh database bound",
	RunE: func(_ *cobra.Command, _ []string) error {
		c, err := initShared()
		if err != nil {
			return err
		}
		defer c.Cleanup()

		ctx, cancel := signalContext()
		defer cancel()

		stop := c.startStatusServer(ctx)
		defer stop()

		return c.Pipeline.Serve(ctx, sourceDir)
	},
}

var publishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Test, build, and push the application image to the registry",
	RunE: func(_ *cobra.Command, _ []string) error {
		c, err := initShared()
		if err != nil {
			return err
		}
		defer c.Cleanup()

		ctx, cancel := signalContext()
		defer cancel()

		addr, err := c.Pipeline.Publish(ctx, sourceDir)
		if err != nil {
			return err
		}
		fmt.Println(addr)
		return nil
	},
}
