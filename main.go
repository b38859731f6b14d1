package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"log"

	"go.uber.org/zap"

	"github.com/cardkit/calypso/pkg/apdu"
	"github.com/cardkit/calypso/pkg/calypso"
	"github.com/cardkit/calypso/pkg/calypso/sam"
	"github.com/cardkit/calypso/pkg/pcsc"
	"github.com/cardkit/calypso/pkg/tlv"
)

// Demo flow: select a Calypso application, build its card image, read the
// environment file, and when a SAM reader is attached run a full secure
// session around the event log.

const (
	sfiEnvironment byte = 0x07
	sfiEventLog    byte = 0x08
)

func main() {
	aidHex := flag.String("aid", "315449432E49434131", "application AID, hex")
	flag.Parse()

	aid, err := hex.DecodeString(*aidHex)
	if err != nil {
		log.Fatalf("Invalid AID %q: %v", *aidHex, err)
	}

	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("Logger setup failed: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	// --- 1. Hardware Setup ---
	readers, err := pcsc.ListReaders()
	if err != nil || len(readers) == 0 {
		log.Fatalf("No smart card reader found: %v", err)
	}

	cardReader, err := pcsc.Connect(readers[0])
	if err != nil {
		log.Fatalf("Card reader connection failed: %v", err)
	}
	defer func() { _ = cardReader.Close() }()
	fmt.Printf(">> Card reader: %s\n", cardReader.Name())

	// A second reader, when present, is assumed to hold the SAM.
	var crypto calypso.CryptoModule
	if len(readers) > 1 {
		samReader, err := pcsc.Connect(readers[1])
		if err != nil {
			log.Fatalf("SAM reader connection failed: %v", err)
		}
		defer func() { _ = samReader.Close() }()
		fmt.Printf(">> SAM reader:  %s\n", samReader.Name())
		crypto = sam.New(samReader, sam.Capabilities{MultipleUpdate: true}, logger)
	}

	// --- 2. Application Selection ---
	card := step1SelectApplication(cardReader, aid)

	// --- 3. Transaction ---
	tm := calypso.NewTransactionManager(card, cardReader, crypto, calypso.SecuritySettings{}, logger)

	step2ReadEnvironment(tm)

	if crypto != nil {
		step3SecureSession(tm, crypto, card)
	} else {
		fmt.Println("\n>> Step 3 Skipped: no SAM reader attached.")
	}

	fmt.Println("\n>> Demo Finished Successfully")
}

// step1SelectApplication selects the AID and builds the card image from the
// returned FCI.
func step1SelectApplication(reader *pcsc.Reader, aid []byte) *calypso.Card {
	fmt.Println("\n=============================================")
	fmt.Printf(" Step 1: SELECT APPLICATION %X\n", aid)
	fmt.Println("=============================================")

	client := apdu.NewClient(reader)
	trace, err := client.Send(apdu.New(0x00, 0xA4, 0x04, 0x00, aid, apdu.MaxLe))
	if err != nil {
		log.Fatalf("Selection failed: %v", err)
	}
	last := trace.Last()
	if !last.Response.Status.IsSuccess() {
		log.Fatalf("Selection rejected: %s", last.Response.Status.Verbose())
	}

	fci, err := calypso.ParseFCI(last.Response.Data)
	if err != nil {
		log.Fatalf("FCI parsing failed: %v", err)
	}
	fmt.Println(fci.Describe())

	card, err := calypso.NewCard(fci)
	if err != nil {
		log.Fatalf("Card image creation failed: %v", err)
	}
	fmt.Printf(">> Product: %s, serial %X\n", card.Profile().Type, card.SerialNumber())
	return card
}

// step2ReadEnvironment reads the environment file outside any session.
func step2ReadEnvironment(tm *calypso.TransactionManager) {
	fmt.Println("\n=============================================")
	fmt.Printf(" Step 2: READ ENVIRONMENT (SFI %02Xh)\n", sfiEnvironment)
	fmt.Println("=============================================")

	if err := tm.PrepareReadRecord(sfiEnvironment, 1); err != nil {
		log.Fatalf("Preparation failed: %v", err)
	}
	if err := tm.ProcessCommands(); err != nil {
		log.Fatalf("Processing failed: %v", err)
	}

	f := tm.Card().FileBySfi(sfiEnvironment)
	if f == nil {
		log.Fatal("Environment file missing from the card image")
	}
	record, ok := f.Record(1)
	if !ok {
		log.Fatal("Environment record missing from the card image")
	}
	fmt.Printf(">> Environment: %s\n", tlv.FormatBytes(record))
}

// step3SecureSession reads the event log inside a debit session.
func step3SecureSession(tm *calypso.TransactionManager, crypto calypso.CryptoModule, card *calypso.Card) {
	fmt.Println("\n=============================================")
	fmt.Println(" Step 3: SECURE SESSION (Debit)")
	fmt.Println("=============================================")

	if samModule, ok := crypto.(*sam.Module); ok {
		if err := samModule.SelectDiversifier(card.SerialNumber()); err != nil {
			log.Fatalf("Diversifier selection failed: %v", err)
		}
	}

	if err := tm.PrepareReadRecord(sfiEventLog, 1); err != nil {
		log.Fatalf("Preparation failed: %v", err)
	}
	if err := tm.ProcessOpening(calypso.WriteAccessDebit); err != nil {
		log.Fatalf("Session opening failed: %v", err)
	}
	if err := tm.ProcessClosing(); err != nil {
		// Leave the card consistent before giving up.
		if cancelErr := tm.ProcessCancel(); cancelErr != nil {
			log.Printf("Warning: session cancel failed too: %v", cancelErr)
		}
		log.Fatalf("Session closing failed: %v", err)
	}

	f := card.FileBySfi(sfiEventLog)
	if f == nil {
		log.Fatal("Event log file missing from the card image")
	}
	event, ok := f.Record(1)
	if !ok {
		log.Fatal("Event record missing from the card image")
	}
	fmt.Printf(">> Last event: %s\n", tlv.FormatBytes(event))
}
