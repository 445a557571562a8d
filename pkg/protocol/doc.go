// Package protocol implements the FreakWAN on-air message format.
//
// A radio frame carries exactly one message. There is no surrounding
// length field: the radio layer provides the exact payload length.
// All multi-byte integers are little-endian.
//
// # Message Types
//
//   - DATA (0): a short text or a small media blob, with the sender
//     nickname. Subject to relaying, deduplication and acknowledgement.
//   - ACK (1): acknowledges a previously received DATA by uid. Never
//     relayed, never acknowledged.
//   - HELLO (2): advertises node presence, status line and the number of
//     neighbors the sender currently knows. Never relayed.
//
// # DATA frame layout (plaintext, before optional encryption)
//
//	offset 0    type        (1 byte, =0)
//	offset 1    flags       (1 byte)
//	offset 2    uid         (4 bytes)
//	offset 6    ttl         (1 byte)
//	offset 7    sender      (6 bytes)
//	offset 13   nick_len    (1 byte, N)
//	offset 14   nick        (N bytes, UTF-8)
//	offset 14+N payload     (text, or media_type byte + media bytes)
//
// ACK frames are 13 bytes: type, flags, uid, ack_type, sender.
// HELLO frames are type, flags, sender, seen, nick_len, nick, status.
//
// # Flags
//
// Bit 0 marks a relayed copy, bit 1 asks the mesh to relay, bit 3 marks a
// media payload, bit 4 an encrypted payload. Bit 2 is reserved for future
// fragmentation. The Relayed bit and the ttl byte are the only fields a
// relay may change; the encryption envelope excludes them from the MAC.
//
// # Encryption
//
// DATA frames may be encrypted under a named group key; the envelope is
// implemented by the crypto package and used here through the narrow
// Encrypter/Decrypter interfaces. Frames that no known key decrypts are
// still decodable into a "no key" message that preserves the ciphertext,
// so the node can relay traffic of groups it does not belong to.
package protocol
