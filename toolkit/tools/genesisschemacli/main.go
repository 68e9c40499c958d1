// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package main

import (
	"fmt"
	"log"
	"os"

	"github.com/gjolly/genesis/toolkit/tools/imagebuilderapi"
	"github.com/gjolly/genesis/toolkit/tools/internal/exe"
	"github.com/gjolly/genesis/toolkit/tools/internal/file"
	"github.com/gjolly/genesis/toolkit/tools/internal/logger"
	"gopkg.in/alecthomas/kingpin.v2"
)

func main() {
	app := kingpin.New("genesisschemacli", "A CLI tool to generate the JSON schema of the genesis config file.")
	outputFile := app.Flag("output", "Path to the output JSON schema file").Short('o').Required().String()
	logFlags := exe.SetupLogFlags(app)

	kingpin.MustParse(app.Parse(os.Args[1:]))

	logger.InitBestEffort(logFlags)

	if err := generateJSONSchema(*outputFile); err != nil {
		log.Fatalf("Error: %v", err)
	}

	logger.Log.Infof("JSON schema has been written to %s", *outputFile)
}

func generateJSONSchema(outputFile string) error {
	schemaJSON, err := imagebuilderapi.JSONSchema()
	if err != nil {
		return err
	}

	err = file.WriteWithPerm(string(schemaJSON)+"\n", outputFile, 0o644)
	if err != nil {
		return fmt.Errorf("failed to write schema to file: %w", err)
	}

	return nil
}
