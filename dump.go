package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"mcdump/maxtocode"

	"github.com/jedib0t/go-pretty/v6/table"
)

const dumpSuffix = ".methods.json"

// methodDump is one recovered method as the patcher consumes it. Raw column
// and body bytes are hex encoded.
type methodDump struct {
	Token            string `json:"token"`
	ImplFlags        uint16 `json:"implFlags"`
	Flags            uint16 `json:"flags"`
	Name             string `json:"name"`
	Signature        string `json:"signature"`
	ParamList        string `json:"paramList"`
	HeaderFlags      uint16 `json:"headerFlags"`
	MaxStack         uint16 `json:"maxStack"`
	CodeSize         uint32 `json:"codeSize"`
	LocalVarSigToken string `json:"localVarSigToken"`
	Code             string `json:"code"`
	ExtraSections    string `json:"extraSections,omitempty"`
}

type fileDump struct {
	File    string       `json:"file"`
	Methods []methodDump `json:"methods"`
}

func sortedTokens(methods map[uint32]*maxtocode.RecoveredMethod) []uint32 {
	tokens := make([]uint32, 0, len(methods))
	for token := range methods {
		tokens = append(tokens, token)
	}
	sort.Slice(tokens, func(i, j int) bool { return tokens[i] < tokens[j] })
	return tokens
}

func newFileDump(filename string, methods map[uint32]*maxtocode.RecoveredMethod) *fileDump {
	dump := &fileDump{
		File:    filepath.Base(filename),
		Methods: make([]methodDump, 0, len(methods)),
	}
	for _, token := range sortedTokens(methods) {
		m := methods[token]
		dump.Methods = append(dump.Methods, methodDump{
			Token:            fmt.Sprintf("0x%08x", m.Token),
			ImplFlags:        m.ImplFlags,
			Flags:            m.Flags,
			Name:             hex.EncodeToString(m.Name),
			Signature:        hex.EncodeToString(m.Signature),
			ParamList:        hex.EncodeToString(m.ParamList),
			HeaderFlags:      m.HeaderFlags,
			MaxStack:         m.MaxStack,
			CodeSize:         m.CodeSize,
			LocalVarSigToken: fmt.Sprintf("0x%08x", m.LocalVarSigToken),
			Code:             hex.EncodeToString(m.Code),
			ExtraSections:    hex.EncodeToString(m.ExtraSections),
		})
	}
	return dump
}

func encodeDump(w io.Writer, filename string, methods map[uint32]*maxtocode.RecoveredMethod) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(newFileDump(filename, methods))
}

// writeDump stores the methods of filename as dir/<base name>.methods.json
// and returns the path written.
func writeDump(dir, filename string, methods map[uint32]*maxtocode.RecoveredMethod) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("cannot create output directory: %w", err)
	}

	path := filepath.Join(dir, filepath.Base(filename)+dumpSuffix)
	file, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("cannot create dump file: %w", err)
	}
	if err := encodeDump(file, filename, methods); err != nil {
		_ = file.Close()
		return "", fmt.Errorf("cannot encode dump: %w", err)
	}
	if err := file.Close(); err != nil {
		return "", fmt.Errorf("cannot close dump file: %w", err)
	}
	return path, nil
}

func printMethodTable(w io.Writer, methods map[uint32]*maxtocode.RecoveredMethod) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{
		"Token",
		"Flags",
		"MaxStack",
		"CodeSize",
		"LocalVarSig",
		"Extra",
	})
	for _, token := range sortedTokens(methods) {
		m := methods[token]
		t.AppendRow(table.Row{
			fmt.Sprintf("0x%08x", m.Token),
			fmt.Sprintf("0x%04x", m.HeaderFlags),
			m.MaxStack,
			m.CodeSize,
			fmt.Sprintf("0x%08x", m.LocalVarSigToken),
			len(m.ExtraSections),
		})
	}
	t.AppendFooter(table.Row{"", "", "", "Total", len(methods)})
	t.Render()
}
