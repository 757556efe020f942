// Package diabot implements a Discord bot for the diabetes community,
// offering blood glucose unit conversion, A1c estimation, and Nightscout
// data visualization.
//
// Diabot answers slash commands in public channels, remembers each user's
// preferred display unit and Nightscout site, and renders recent CGM
// readings into a trend chart image. Per-guild settings control chart
// thresholds and theming, and guild moderators can restrict where admin
// commands are honored.
//
// Key components of the package include:
//
//   - Diabot: The main struct that encapsulates the bot's core functionality.
//   - Discord: Handles Discord integration and interaction processing.
//   - Nightscout: An HTTP client for users' Nightscout CGM sites.
//   - API: Provides a backend API for bot management and monitoring.
//   - Database: Handles data persistence and retrieval.
//
// The bot supports various commands:
//
//   - /convert: Converts a blood glucose value between mmol/L and mg/dL.
//   - /estimate: Estimates an A1c from an average blood glucose.
//   - /graph: Charts recent readings from the user's Nightscout site.
//   - /nightscout: Manages the user's Nightscout URL and access token.
//   - /diabot-admin: Guild moderation commands (admin channel registration).
//
// Diabot also includes features for rate limiting, user management,
// and extensive logging to ensure smooth operation and easy troubleshooting.
package diabot
