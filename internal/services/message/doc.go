// Package message is the client facade for encrypted rooms.
//
// EncryptAndSend checks the room's policy, resolves recipient devices,
// shares the room key where needed and sends the ciphertext. HandleSync
// feeds one batch of the live stream through key ingestion, room state
// tracking and the decryption pipeline. Run drives HandleSync from a
// restartable sync loop.
package message
