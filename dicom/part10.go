package dicom

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"strings"
)

// StripPart10Header removes the DICOM Part 10 preamble and File Meta Information
// to extract just the dataset.
//
// DICOM Part 10 files contain:
//   - 128 byte preamble
//   - 4 byte "DICM" prefix
//   - File Meta Information elements (group 0x0002)
//   - Dataset (the actual DICOM data)
//
// This function is useful when you need to send a DICOM dataset via DIMSE
// operations (like C-STORE), which expect only the dataset without the
// Part 10 wrapper.
//
// Parameters:
//   - data: The complete DICOM Part 10 file data
//
// Returns:
//   - Dataset bytes (without preamble and file meta information)
//   - Error if the data is not a valid DICOM Part 10 file
//
// Example:
//
//	fileData, _ := os.ReadFile("image.dcm")
//	datasetOnly, err := dicom.StripPart10Header(fileData)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	// Now datasetOnly can be sent via C-STORE
func StripPart10Header(data []byte) ([]byte, error) {
	if len(data) < 132 {
		return nil, fmt.Errorf("data too short to be DICOM Part 10 (need at least 132 bytes, got %d)", len(data))
	}

	// Check for DICM prefix at offset 128
	if string(data[128:132]) != "DICM" {
		return nil, fmt.Errorf("not a valid DICOM Part 10 file (missing DICM prefix at offset 128)")
	}

	// Skip preamble (128) + DICM (4) = start at offset 132
	offset := 132

	var transferSyntaxUID string

	// Skip all group 0x0002 elements (File Meta Information)
	for offset+8 <= len(data) {
		group := uint16(data[offset]) | (uint16(data[offset+1]) << 8)
		element := uint16(data[offset+2]) | (uint16(data[offset+3]) << 8)

		// If we've passed group 0x0002, we're at the dataset
		if group != 0x0002 {
			break
		}

		// Read VR (2 bytes)
		vr := string(data[offset+4 : offset+6])

		var length uint32
		var valueOffset int

		// Some VRs use different length encoding
		if vr == "OB" || vr == "OW" || vr == "OF" || vr == "SQ" || vr == "UN" || vr == "UT" {
			// Explicit VR with 32-bit length
			offset += 8 // Skip tag (4) + VR (2) + reserved (2)
			if offset+4 > len(data) {
				break
			}
			length = uint32(data[offset]) | (uint32(data[offset+1]) << 8) |
				(uint32(data[offset+2]) << 16) | (uint32(data[offset+3]) << 24)
			offset += 4
			valueOffset = offset
		} else {
			// Explicit VR with 16-bit length
			offset += 6 // Skip tag (4) + VR (2)
			if offset+2 > len(data) {
				break
			}
			length = uint32(data[offset]) | (uint32(data[offset+1]) << 8)
			offset += 2
			valueOffset = offset
		}

		// Check if this is Transfer Syntax UID (0002,0010)
		if group == 0x0002 && element == 0x0010 {
			if valueOffset+int(length) <= len(data) {
				transferSyntaxUID = string(data[valueOffset : valueOffset+int(length)])
				// Remove any padding
				transferSyntaxUID = strings.TrimRight(transferSyntaxUID, "\x00 ")
			}
		}

		// Skip value
		offset += int(length)
		if offset > len(data) {
			break
		}
	}

	if transferSyntaxUID != "" {
		slog.Debug("Found Transfer Syntax UID in File Meta Information",
			"transfer_syntax", transferSyntaxUID,
			"dataset_start_offset", offset)
	}

	if offset > len(data) {
		return nil, fmt.Errorf("failed to find dataset after File Meta Information")
	}

	return data[offset:], nil
}

// Part10Meta is the subset of File Meta Information callers receiving an
// uploaded DICOM file need in order to route it (STOW-RS).
type Part10Meta struct {
	SOPClassUID       string
	SOPInstanceUID    string
	TransferSyntaxUID string
}

// ReadPart10Meta extracts SOPClassUID, SOPInstanceUID and TransferSyntaxUID
// from a Part 10 file's File Meta Information, without decoding the
// dataset that follows.
func ReadPart10Meta(data []byte) (Part10Meta, error) {
	if len(data) < 132 || string(data[128:132]) != "DICM" {
		return Part10Meta{}, fmt.Errorf("not a valid DICOM Part 10 file")
	}

	var meta Part10Meta
	offset := 132
	for offset+8 <= len(data) {
		group := uint16(data[offset]) | (uint16(data[offset+1]) << 8)
		element := uint16(data[offset+2]) | (uint16(data[offset+3]) << 8)
		if group != 0x0002 {
			break
		}

		vr := string(data[offset+4 : offset+6])
		var length uint32
		var valueOffset int
		if vr == "OB" || vr == "OW" || vr == "OF" || vr == "SQ" || vr == "UN" || vr == "UT" {
			offset += 8
			if offset+4 > len(data) {
				break
			}
			length = uint32(data[offset]) | (uint32(data[offset+1]) << 8) |
				(uint32(data[offset+2]) << 16) | (uint32(data[offset+3]) << 24)
			offset += 4
			valueOffset = offset
		} else {
			offset += 6
			if offset+2 > len(data) {
				break
			}
			length = uint32(data[offset]) | (uint32(data[offset+1]) << 8)
			offset += 2
			valueOffset = offset
		}

		if valueOffset+int(length) > len(data) {
			break
		}
		value := strings.TrimRight(string(data[valueOffset:valueOffset+int(length)]), "\x00 ")
		switch element {
		case 0x0002:
			meta.SOPClassUID = value
		case 0x0003:
			meta.SOPInstanceUID = value
		case 0x0010:
			meta.TransferSyntaxUID = value
		}

		offset += int(length)
		if offset > len(data) {
			break
		}
	}

	if meta.TransferSyntaxUID == "" {
		return Part10Meta{}, fmt.Errorf("Part 10 file meta information did not carry a transfer syntax UID")
	}
	return meta, nil
}

// implementationClassUID identifies this gateway when it writes Part 10
// files, e.g. reconstructing a retrieved instance for WADO-RS delivery.
const implementationClassUID = "1.2.826.0.1.3680043.9.7982.1"

// WritePart10 reconstructs a DICOM Part 10 byte stream (preamble, "DICM"
// prefix, File Meta Information, dataset) from a dataset already encoded in
// the given transfer syntax. It is the inverse of StripPart10Header, used by
// the store-SCP listener and WADO-RS retrieve path to hand callers a
// self-describing file rather than a bare DIMSE dataset.
func WritePart10(datasetBytes []byte, sopClassUID, sopInstanceUID, transferSyntaxUID string) ([]byte, error) {
	if sopClassUID == "" || sopInstanceUID == "" || transferSyntaxUID == "" {
		return nil, fmt.Errorf("WritePart10: SOP class UID, SOP instance UID and transfer syntax UID are all required")
	}

	meta := make([]byte, 0, 256)
	meta = appendExplicitElement(meta, 0x0002, 0x0001, "OB", []byte{0x00, 0x01})     // File Meta Information Version
	meta = appendExplicitElement(meta, 0x0002, 0x0002, "UI", uidBytes(sopClassUID))  // Media Storage SOP Class UID
	meta = appendExplicitElement(meta, 0x0002, 0x0003, "UI", uidBytes(sopInstanceUID)) // Media Storage SOP Instance UID
	meta = appendExplicitElement(meta, 0x0002, 0x0010, "UI", uidBytes(transferSyntaxUID))
	meta = appendExplicitElement(meta, 0x0002, 0x0012, "UI", uidBytes(implementationClassUID))

	groupLength := make([]byte, 4)
	binary.LittleEndian.PutUint32(groupLength, uint32(len(meta)))
	groupLengthElement := appendExplicitElement(nil, 0x0002, 0x0000, "UL", groupLength)

	out := make([]byte, 0, 132+len(groupLengthElement)+len(meta)+len(datasetBytes))
	out = append(out, make([]byte, 128)...) // preamble
	out = append(out, []byte("DICM")...)
	out = append(out, groupLengthElement...)
	out = append(out, meta...)
	out = append(out, datasetBytes...)

	return out, nil
}

func uidBytes(uid string) []byte {
	b := []byte(uid)
	if len(b)%2 == 1 {
		b = append(b, 0x00)
	}
	return b
}

// appendExplicitElement appends one File Meta Information element using
// Explicit VR Little Endian, which group 0x0002 always uses regardless of
// the dataset's own transfer syntax.
func appendExplicitElement(buf []byte, group, element uint16, vr string, value []byte) []byte {
	buf = append(buf, byte(group), byte(group>>8), byte(element), byte(element>>8))
	buf = append(buf, vr[0], vr[1])
	switch vr {
	case "OB", "OW", "OF", "SQ", "UN", "UT":
		buf = append(buf, 0x00, 0x00) // reserved
		length := make([]byte, 4)
		binary.LittleEndian.PutUint32(length, uint32(len(value)))
		buf = append(buf, length...)
	default:
		length := make([]byte, 2)
		binary.LittleEndian.PutUint16(length, uint16(len(value)))
		buf = append(buf, length...)
	}
	return append(buf, value...)
}

// HasPart10Header checks if the data starts with a DICOM Part 10 header.
//
// Returns true if the data contains the 128-byte preamble followed by "DICM".
func HasPart10Header(data []byte) bool {
	if len(data) < 132 {
		return false
	}
	return string(data[128:132]) == "DICM"
}
