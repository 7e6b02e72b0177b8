// Package inbound serves the HTTP surface of the relay on fiber.
//
// POST deliveries are handed to the ingestor unchanged and answered with the
// status it decides. GET requests answer the platform subscription handshake.
// Nothing in this package calls business logic.
package inbound
