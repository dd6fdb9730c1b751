/*
Package proxy implements a local REST API on top of a session.Session.

Clients that cannot hold a push connection themselves POST commands to
/api/1/vehicles/{vin}/command/{name} and read cached status from
/api/1/vehicles/{vin}/vehicle_data. The proxy keeps a single session open, so
the backend sees one client no matter how many local callers there are.
*/
package proxy
