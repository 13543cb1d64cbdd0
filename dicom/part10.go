package dicom

import (
	"bytes"
	"fmt"
	"log/slog"
	"strings"
)

// ImplementationClassUID and ImplementationVersionName identify this module
// as the writer of File Meta Information, per DICOM PS3.10. The UID root
// here is an unregistered placeholder used only to populate the required
// (0002,0012) element; it does not collide with any registered UID.
const (
	ImplementationClassUID    = "1.2.826.0.1.3680043.dicomnet.proxy.1"
	ImplementationVersionName = "DICOMNET_PROXY_1"
)

// WritePart10File builds a complete DICOM Part 10 file: a 128-byte zero
// preamble, the "DICM" prefix, a File Meta Information group (0002,xxxx)
// carrying transferSyntaxUID/sopClassUID/sopInstanceUID, and the dataset
// bytes encoded in transferSyntaxUID. It is the write-side counterpart of
// StripPart10Header.
//
// If transferSyntaxUID is empty, Explicit-VR-Little-Endian is assumed, per
// the store handler's pass-through default.
func WritePart10File(datasetBytes []byte, transferSyntaxUID, sopClassUID, sopInstanceUID string) ([]byte, error) {
	if transferSyntaxUID == "" {
		transferSyntaxUID = TransferSyntaxExplicitVRLittleEndian
	}

	var meta bytes.Buffer
	writeShortVRElement(&meta, 0x0002, 0x0001, "OB", []byte{0x00, 0x01})
	writeShortVRElement(&meta, 0x0002, 0x0002, "UI", []byte(padEven(sopClassUID)))
	writeShortVRElement(&meta, 0x0002, 0x0003, "UI", []byte(padEven(sopInstanceUID)))
	writeShortVRElement(&meta, 0x0002, 0x0010, "UI", []byte(padEven(transferSyntaxUID)))
	writeShortVRElement(&meta, 0x0002, 0x0012, "UI", []byte(padEven(ImplementationClassUID)))
	writeShortVRElement(&meta, 0x0002, 0x0013, "SH", []byte(padEven(ImplementationVersionName)))

	var groupLength bytes.Buffer
	writeUL(&groupLength, 0x0002, 0x0000, uint32(meta.Len()))

	var out bytes.Buffer
	out.Write(make([]byte, 128)) // preamble
	out.WriteString("DICM")
	out.Write(groupLength.Bytes())
	out.Write(meta.Bytes())
	out.Write(datasetBytes)

	slog.Debug("Wrote DICOM Part 10 file",
		"transfer_syntax", transferSyntaxUID,
		"sop_class_uid", sopClassUID,
		"sop_instance_uid", sopInstanceUID,
		"total_bytes", out.Len())

	return out.Bytes(), nil
}

// padEven right-pads a UID/string value with a NUL (UI) so its length is
// even, as DICOM requires for all element values.
func padEven(s string) string {
	if len(s)%2 != 0 {
		return s + "\x00"
	}
	return s
}

// writeShortVRElement writes one File Meta element using the 16-bit-length
// explicit VR encoding ("OB" is the sole exception in this package's usage,
// written here with its 2-reserved-bytes + 32-bit-length form since that is
// its correct encoding even when short).
func writeShortVRElement(buf *bytes.Buffer, group, element uint16, vr string, value []byte) {
	writeTag(buf, group, element)
	buf.WriteString(vr)
	if vr == "OB" || vr == "OW" || vr == "OF" || vr == "SQ" || vr == "UN" || vr == "UT" {
		buf.Write([]byte{0x00, 0x00}) // reserved
		writeUint32LE(buf, uint32(len(value)))
	} else {
		writeUint16LE(buf, uint16(len(value)))
	}
	buf.Write(value)
}

// writeUL writes a File Meta Information Group Length element (always UL,
// 4-byte value, 16-bit length field).
func writeUL(buf *bytes.Buffer, group, element uint16, value uint32) {
	writeTag(buf, group, element)
	buf.WriteString("UL")
	writeUint16LE(buf, 4)
	writeUint32LE(buf, value)
}

func writeTag(buf *bytes.Buffer, group, element uint16) {
	writeUint16LE(buf, group)
	writeUint16LE(buf, element)
}

func writeUint16LE(buf *bytes.Buffer, v uint16) {
	buf.WriteByte(byte(v))
	buf.WriteByte(byte(v >> 8))
}

func writeUint32LE(buf *bytes.Buffer, v uint32) {
	buf.WriteByte(byte(v))
	buf.WriteByte(byte(v >> 8))
	buf.WriteByte(byte(v >> 16))
	buf.WriteByte(byte(v >> 24))
}

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

	if offset >= len(data) {
		return nil, fmt.Errorf("failed to find dataset after File Meta Information")
	}

	return data[offset:], nil
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
