// Package commands defines the cipherroom CLI.
//
// Commands
//
//   - login          Log in with a password and publish this device's keys
//   - bootstrap      Create or recover the account's cross-signing keys
//   - fingerprint    Print this device's fingerprint
//   - devices        List known devices of users
//   - verify         Mark a device verified
//   - unverify       Mark a device unverified
//   - blacklist      Never share room keys with a device
//   - encrypt-room   Enable encryption in a room
//   - policy         Show or change a room's sending policy
//   - send           Encrypt and send a message
//   - listen         Stream decrypted messages
//   - rooms          List joined rooms
//   - join, leave, invite, create-room
//   - export-keys    Write room keys to a passphrase-protected file
//   - import-keys    Read room keys from such a file
//
// # Implementation
//
// The root command loads config.yaml from the home directory and builds the
// logger before any subcommand runs. Commands open the keystore lazily
// through the shared cli value, so no state outlives one invocation.
package commands
